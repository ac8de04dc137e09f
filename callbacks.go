// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// Severity of a status report delivered through the Status callback.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// StatusCode identifies an out-of-band condition reported to the host.
type StatusCode int

const (
	// StatusCacheMismatch is raised when a cached-secret ID received in a
	// DHPart message differs from the locally computed one for a secret we
	// hold. The exchange continues, but the SAS must be verified carefully.
	StatusCacheMismatch StatusCode = iota

	// StatusTimeout is raised when a retransmission cap is reached and the
	// protocol cannot make further progress on its own.
	StatusTimeout

	// StatusPeerError is raised when an Error or ErrorACK message arrives.
	StatusPeerError

	// StatusGoClearReceived is raised when the peer requests to drop back to
	// clear media. The host answers with Session.AcceptClear.
	StatusGoClearReceived

	// StatusEnteredClear is raised once a GoClear handshake completes and the
	// channel is no longer encrypting.
	StatusEnteredClear
)

// SRTPSecrets carries the keying material derived for one channel. Self keys
// protect outgoing media, peer keys authenticate incoming media. Lengths
// follow the negotiated cipher and auth tag.
type SRTPSecrets struct {
	SelfKey  []byte
	SelfSalt []byte
	PeerKey  []byte
	PeerSalt []byte

	Cipher     CipherAlgo
	AuthTag    AuthTagAlgo
	AuthTagLen int // bytes
	KeyLen     int // bytes
	SaltLen    int // bytes

	SAS           string
	CacheMismatch bool
}

// wipe zeroises the key material.
func (s *SRTPSecrets) wipe() {
	wipe(s.SelfKey)
	wipe(s.SelfSalt)
	wipe(s.PeerKey)
	wipe(s.PeerSalt)
}

// Callbacks is the host surface the engine drives. Send must be non-blocking
// from the engine's perspective. All callbacks are invoked from within the
// host's own calls into the session (Deliver, Tick, StartChannel); the engine
// spawns no goroutines.
type Callbacks struct {
	// Send delivers one wire packet for the channel identified by tag.
	// Returns the number of bytes accepted; short writes are the host's
	// concern.
	Send func(tag interface{}, data []byte) int

	// SRTPSecretsAvailable hands over the derived SRTP keying material as
	// soon as the channel reaches secure. The engine wipes its own copies on
	// Close; the host owns the passed struct.
	SRTPSecretsAvailable func(tag interface{}, secrets *SRTPSecrets)

	// StartSRTP signals that media protection may begin. verified reports
	// whether the SAS was confirmed in an earlier session by both ends.
	StartSRTP func(tag interface{}, sas string, verified bool)

	// Status reports protocol conditions that do not travel through error
	// returns: timeouts, cache mismatches, peer errors, GoClear requests.
	Status func(tag interface{}, severity Severity, code StatusCode)
}

func (cb *Callbacks) send(tag interface{}, data []byte) {
	if cb.Send != nil {
		cb.Send(tag, data)
	}
}

func (cb *Callbacks) status(tag interface{}, severity Severity, code StatusCode) {
	if cb.Status != nil {
		cb.Status(tag, severity, code)
	}
}
