// Copyright 2019 Lanikai Labs. All rights reserved.

// Package zrtp implements the ZRTP media path key agreement protocol from
// RFC 6189: two endpoints exchange Hello, Commit, DHPart and Confirm
// messages over an unreliable transport, authenticate each other against a
// cache of retained secrets, and derive SRTP keying material plus a Short
// Authentication String for out-of-band comparison.
//
// The engine is transport-agnostic and single-threaded per session: the host
// feeds received packets through Session.Deliver, drives retransmissions
// through Session.Tick, and receives outgoing packets and derived keys
// through the Callbacks it registered. One Session covers one call; its first
// channel runs the Diffie-Hellman exchange, additional channels key
// themselves from the session key in multistream mode.
package zrtp

import (
	cryptorand "crypto/rand"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/zrtp/internal/crypto"
	"github.com/lanikai/zrtp/zidcache"
)

// ZID is the 12-byte endpoint identifier, generated once per endpoint and
// kept in the ZID cache.
type ZID [12]byte

const (
	maxChannels = 64

	minMTU     = 600
	defaultMTU = 1452
)

// Config carries everything a session needs from its host. Cache, CacheMutex
// and Rand are optional; Callbacks.Send is not, the engine is useless
// without a wire.
type Config struct {
	Callbacks Callbacks

	// Cache is the persistent per-peer store. A session without one runs
	// cacheless: fresh random ZID, no key continuity.
	Cache zidcache.Cache

	// CacheMutex serialises cache access when several sessions share one
	// cache. When nil the session uses a private mutex.
	CacheMutex *sync.Mutex

	// ZID overrides the endpoint identifier instead of loading or creating
	// one through the cache.
	ZID *ZID

	// Rand is the randomness source, crypto/rand by default.
	Rand io.Reader

	// Algorithm menus in preference order; defaults apply when empty.
	Hashes        []HashAlgo
	Ciphers       []CipherAlgo
	AuthTags      []AuthTagAlgo
	KeyAgreements []KeyAgreement
	SASes         []SASAlgo

	// MTU bounds generated packets; larger messages are fragmented. Clamped
	// to a minimum of 600, default 1452.
	MTU int

	// AcceptGoClear advertises and accepts the GoClear downgrade handshake.
	AcceptGoClear bool

	// MitM marks this endpoint as a trusted PBX in its Hello.
	MitM bool
}

// Session is the process-wide coordinator of one ZRTP endpoint: identity,
// algorithm menus, cached secrets, the session key, and up to 64 channels.
// All methods must be called from a single logical execution context; only
// the ZID cache is shared further, behind the configured mutex.
type Session struct {
	callbacks Callbacks
	rand      io.Reader
	mtu       int

	cache   zidcache.Cache
	cacheMu *sync.Mutex

	selfZID      ZID
	peerZID      ZID
	peerClientID string

	initialised       bool
	secure            bool
	closed            bool
	peerSupportsMulti bool
	acceptGoClear     bool
	peerAcceptGoClear bool
	mitm              bool

	timeReference uint64

	channels []*Channel

	supportedHashes        []HashAlgo
	supportedCiphers       []CipherAlgo
	supportedAuthTags      []AuthTagAlgo
	supportedKeyAgreements []KeyAgreement
	supportedSASes         []SASAlgo

	cached        cachedSecrets
	initiatorIDs  secretIDs
	responderIDs  secretIDs
	cacheMismatch bool

	transientAuxSecret []byte

	// one key agreement computation per session, owned here rather than by
	// the channel performing it
	ka        crypto.Exchange
	kem       *crypto.KEM
	kemShared []byte
	kaAlgo    KeyAgreement

	zrtpSess    []byte
	exportedKey []byte
	sasString   string
}

// NewSession creates an endpoint session. The self ZID comes from config,
// else from the cache, else it is drawn fresh and persisted.
func NewSession(config Config) (*Session, error) {
	s := &Session{
		callbacks: config.Callbacks,
		rand:      config.Rand,
		cache:     config.Cache,
		cacheMu:   config.CacheMutex,
		mtu:       config.MTU,

		supportedHashes:        config.Hashes,
		supportedCiphers:       config.Ciphers,
		supportedAuthTags:      config.AuthTags,
		supportedKeyAgreements: config.KeyAgreements,
		supportedSASes:         config.SASes,

		acceptGoClear: config.AcceptGoClear,
		mitm:          config.MitM,
	}
	if s.rand == nil {
		s.rand = cryptorand.Reader
	}
	if s.cacheMu == nil {
		s.cacheMu = new(sync.Mutex)
	}
	if s.mtu == 0 {
		s.mtu = defaultMTU
	}
	if s.mtu < minMTU {
		s.mtu = minMTU
	}
	if s.supportedHashes == nil {
		s.supportedHashes = defaultHashes
	}
	if s.supportedCiphers == nil {
		s.supportedCiphers = defaultCiphers
	}
	if s.supportedAuthTags == nil {
		s.supportedAuthTags = defaultAuthTags
	}
	if s.supportedKeyAgreements == nil {
		s.supportedKeyAgreements = defaultKeyAgreements
	}
	if s.supportedSASes == nil {
		s.supportedSASes = defaultSASes
	}
	if err := clampMenus(s); err != nil {
		return nil, err
	}

	if err := s.resolveSelfZID(config.ZID); err != nil {
		return nil, err
	}
	s.initialised = true
	return s, nil
}

func clampMenus(s *Session) error {
	if len(s.supportedHashes) > maxMenuEntries ||
		len(s.supportedCiphers) > maxMenuEntries ||
		len(s.supportedAuthTags) > maxMenuEntries ||
		len(s.supportedKeyAgreements) > maxMenuEntries ||
		len(s.supportedSASes) > maxMenuEntries {
		return errors.New("zrtp: at most 7 algorithms per category")
	}
	return nil
}

func (s *Session) resolveSelfZID(override *ZID) error {
	if override != nil {
		s.selfZID = *override
		return nil
	}
	if s.cache != nil {
		s.cacheMu.Lock()
		zid, ok, err := s.cache.SelfZID()
		s.cacheMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "zid cache")
		}
		if ok {
			s.selfZID = ZID(zid)
			return nil
		}
	}
	if _, err := io.ReadFull(s.rand, s.selfZID[:]); err != nil {
		return errCryptoFailure
	}
	if s.cache != nil {
		s.cacheMu.Lock()
		err := s.cache.SetSelfZID([12]byte(s.selfZID))
		s.cacheMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "zid cache")
		}
	}
	return nil
}

// AddChannel registers a channel under its local SSRC. The first channel
// added is the main one and must complete its exchange before any other may
// start. tag is opaque to the engine and is passed back on every callback
// for this channel.
func (s *Session) AddChannel(tag interface{}, selfSSRC uint32) (*Channel, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	if !s.initialised {
		return nil, errInvalidContext
	}
	if len(s.channels) >= maxChannels {
		return nil, errTooManyChannels
	}
	if s.lookupChannel(selfSSRC) != nil {
		return nil, errChannelExists
	}

	c, err := newChannel(s.rand, tag, selfSSRC, len(s.channels) == 0)
	if err != nil {
		return nil, err
	}
	s.channels = append(s.channels, c)
	return c, nil
}

func (s *Session) lookupChannel(selfSSRC uint32) *Channel {
	for _, c := range s.channels {
		if c.selfSSRC == selfSSRC {
			return c
		}
	}
	return nil
}

// StartChannel begins the discovery phase on a channel: the first Hello goes
// out on the following Tick. Channels beyond the main one may only start
// once the main channel is secure, since they key themselves from ZRTPSess.
func (s *Session) StartChannel(selfSSRC uint32) error {
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	if c.started {
		return nil
	}
	if !c.isMain && !s.secure {
		return errMainChannelFirst
	}
	c.started = true
	return c.state(s, c, event{typ: evInit})
}

// Deliver feeds one received datagram into a channel. Errors describe why
// the packet was dropped; the channel never changes state on a bad packet.
// A errFragment return (see IsFragment) only means more fragments are
// needed.
func (s *Session) Deliver(selfSSRC uint32, data []byte) error {
	if s.closed {
		return errSessionClosed
	}
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	if !c.started {
		return errInvalidContext
	}

	pkt, err := c.checkPacket(data)
	if err != nil {
		if err != errFragment {
			log.Debug("channel %08x dropped packet: %v", c.selfSSRC, err)
		}
		return err
	}

	// A few message types bypass the state machine entirely.
	switch pkt.typ {
	case msgTypePing:
		return s.answerPing(c, pkt)
	case msgTypeError:
		m, err := parseError(pkt.message)
		if err != nil {
			return err
		}
		log.Warn("channel %08x peer reported protocol error %08x", c.selfSSRC, m.code)
		c.accept(pkt)
		s.callbacks.status(c.tag, SeverityError, StatusPeerError)
		return s.buildAndSend(c, msgTypeErrorACK)
	case msgTypeErrorACK:
		c.accept(pkt)
		s.callbacks.status(c.tag, SeverityWarning, StatusPeerError)
		return nil
	case msgTypePingACK:
		c.accept(pkt)
		return nil
	case msgTypeSASRelay, msgTypeRelayACK:
		// we are not a PBX; ignored outside secure by design
		c.accept(pkt)
		return nil
	}

	if err := c.state(s, c, event{typ: evMessage, packet: pkt}); err != nil {
		log.Debug("channel %08x in state dropped %v: %v", c.selfSSRC, pkt.typ, err)
		return err
	}
	return nil
}

// answerPing echoes a Ping with a PingACK carrying our truncated ZID as
// endpoint hash. Pings never advance protocol state.
func (s *Session) answerPing(c *Channel, pkt *inboundPacket) error {
	ping, err := parsePing(pkt.message)
	if err != nil {
		return err
	}
	c.accept(pkt)

	ack := &pingACKMessage{version: protocolVersion, ssrc: pkt.ssrc}
	copy(ack.endpointHash[:], s.selfZID[:8])
	ack.endpointHashReceived = ping.endpointHash

	message, err := ack.marshal()
	if err != nil {
		return err
	}
	s.send(c, s.packetize(c, msgTypePingACK, message, ack))
	return nil
}

// Tick drives every started channel's retransmission timer. now is a
// monotonic wall time in milliseconds; the host calls this periodically, a
// granularity around 20 ms keeps the RFC timings honest.
func (s *Session) Tick(now uint64) error {
	if s.closed {
		return errSessionClosed
	}
	s.timeReference = now
	for _, c := range s.channels {
		if !c.started || !c.timer.on || now < c.timer.firingTime {
			continue
		}
		c.timer.count++
		if err := c.state(s, c, event{typ: evTimer}); err != nil {
			return err
		}
	}
	return nil
}

// RequestGoClear asks a secure channel to drop back to clear media. Both
// sides must have advertised GoClear support.
func (s *Session) RequestGoClear(selfSSRC uint32) error {
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	return c.state(s, c, event{typ: evGoClear})
}

// AcceptClear acknowledges a peer GoClear previously surfaced through the
// status callback, dropping the channel to clear media.
func (s *Session) AcceptClear(selfSSRC uint32) error {
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	return c.state(s, c, event{typ: evAcceptGoClear})
}

// BackToSecure re-keys a cleared channel from ZRTPSess with a fresh commit
// phase.
func (s *Session) BackToSecure(selfSSRC uint32) error {
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	return c.state(s, c, event{typ: evBackToSecure})
}

// SetPeerHelloHash pins the SHA-256 of the peer's Hello message, as conveyed
// through signaling; a Hello that does not match it is rejected. Must be
// called before the peer's Hello arrives.
func (s *Session) SetPeerHelloHash(selfSSRC uint32, hash []byte) error {
	c := s.lookupChannel(selfSSRC)
	if c == nil {
		return errChannelNotFound
	}
	c.peerHelloHash = append([]byte(nil), hash...)
	return nil
}

// HelloHash returns the SHA-256 of this channel's own Hello message, for
// publication through signaling. Empty until the channel started.
func (s *Session) HelloHash(selfSSRC uint32) []byte {
	c := s.lookupChannel(selfSSRC)
	if c == nil || c.selfStored(slotHello) == nil {
		return nil
	}
	return crypto.SHA256(c.selfStored(slotHello).message)
}

// SetTransientAuxSecret provides an auxiliary shared secret for this session
// only; it is mixed in front of any cached auxiliary secret. Must be set
// before the main channel starts.
func (s *Session) SetTransientAuxSecret(secret []byte) {
	s.transientAuxSecret = append([]byte(nil), secret...)
}

// SetSASVerified records the user's comparison of the SAS, persisting the
// flag to the cache row so later sessions inherit it.
func (s *Session) SetSASVerified(verified bool) error {
	s.cached.sasVerified = verified
	if s.cache == nil || !s.secure {
		return nil
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	rec, err := s.cache.Lookup([12]byte(s.peerZID))
	if err != nil || rec == nil {
		return err
	}
	rec.SASVerified = verified
	return s.cache.Store([12]byte(s.peerZID), rec)
}

// SetMTU bounds generated packets; larger messages are fragmented. Values
// below the protocol minimum of 600 are clamped up.
func (s *Session) SetMTU(mtu int) {
	if mtu < minMTU {
		mtu = minMTU
	}
	s.mtu = mtu
}

// SAS returns the rendered Short Authentication String once the main channel
// is secure, empty before that.
func (s *Session) SAS() string { return s.sasString }

// ExportedKey returns the RFC 6189 section 4.5.2 exported key, available
// once the main channel is secure. Callers must not hold the slice past
// Close.
func (s *Session) ExportedKey() []byte { return s.exportedKey }

// IsSecure reports whether the given channel completed its exchange.
func (s *Session) IsSecure(selfSSRC uint32) bool {
	c := s.lookupChannel(selfSSRC)
	return c != nil && c.isSecure
}

// Close zeroises all key material and renders the session unusable.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.channels {
		c.destroy()
	}
	s.dropKeyAgreement()
	s.cached.wipe()
	crypto.Wipe(s.zrtpSess)
	crypto.Wipe(s.exportedKey)
	crypto.Wipe(s.transientAuxSecret)
	s.zrtpSess = nil
	s.exportedKey = nil
	s.transientAuxSecret = nil
	return nil
}

// ---------------------------------------------------------------------------
// key agreement plumbing

// exchange returns the session's DH exchange, creating it for the channel's
// negotiated algorithm. The private exponent length for the finite-field
// groups is twice the negotiated cipher key length.
func (s *Session) exchange(c *Channel) (crypto.Exchange, error) {
	if s.ka != nil && s.kaAlgo == c.keyAgreement {
		return s.ka, nil
	}
	s.dropKeyAgreement()

	var ex crypto.Exchange
	var err error
	switch c.keyAgreement {
	case KeyAgreementDH3k:
		ex, err = crypto.NewDH3072(s.rand, 2*c.cipherKeyLength)
	case KeyAgreementDH2k:
		ex, err = crypto.NewDH2048(s.rand, 2*c.cipherKeyLength)
	case KeyAgreementX255:
		ex, err = crypto.NewX25519(s.rand)
	default:
		return nil, errInvalidContext
	}
	if err != nil {
		return nil, errCryptoFailure
	}
	s.ka = ex
	s.kaAlgo = c.keyAgreement
	return ex, nil
}

// sharedSecret resolves the DHResult for a received public value, whatever
// the agreement flavour.
func (s *Session) sharedSecret(c *Channel, peer []byte) ([]byte, error) {
	if c.keyAgreement.isKEM() {
		if c.role == roleInitiator {
			// we committed with our public key; the peer's DHPart1 carries
			// the encapsulation
			if s.kem == nil {
				return nil, errInvalidContext
			}
			shared, err := s.kem.Decapsulate(peer)
			if err != nil {
				return nil, errCryptoFailure
			}
			return shared, nil
		}
		if s.kemShared == nil {
			return nil, errInvalidContext
		}
		shared := s.kemShared
		s.kemShared = nil
		return shared, nil
	}

	ex, err := s.exchange(c)
	if err != nil {
		return nil, err
	}
	shared, err := ex.SharedSecret(peer)
	if err != nil {
		log.Warn("channel %08x rejected public value: %v", c.selfSSRC, err)
		return nil, errCryptoFailure
	}
	return shared, nil
}

func (s *Session) dropKeyAgreement() {
	if s.ka != nil {
		s.ka.Wipe()
		s.ka = nil
	}
	if s.kem != nil {
		s.kem.Wipe()
		s.kem = nil
	}
	crypto.Wipe(s.kemShared)
	s.kemShared = nil
	s.kaAlgo = KeyAgreementNone
}
