// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// The channel state machine. Each state is a function value held on the
// channel; events (INIT, MESSAGE, TIMER and the GoClear user events) are
// dispatched to it with the session passed explicitly, so channels hold no
// back-reference. Protocol flow follows RFC 6189 section 4:
//
//	discoveryInit -> waitingForHello --------------> sendingCommit
//	             \-> waitingForHelloAck ----------/       |
//	                      | Commit              DHPart1   |   Commit (lost contention)
//	                      v                         v     v
//	       responderSendingDHPart1      initiatorSendingDHPart2
//	                      |                         |
//	                      v                         v
//	       responderSendingConfirm1     initiatorSendingConfirm2
//	                      \------------> secure <-----/

import (
	"bytes"
	"io"

	"github.com/lanikai/zrtp/internal/crypto"
)

type eventType int

const (
	evInit eventType = iota
	evMessage
	evTimer
	evGoClear
	evAcceptGoClear
	evBackToSecure
)

type event struct {
	typ    eventType
	packet *inboundPacket
}

type stateFunc func(s *Session, c *Channel, e event) error

// runInit transitions to the next state and immediately feeds it an INIT
// event.
func runInit(s *Session, c *Channel, next stateFunc) error {
	c.state = next
	return next(s, c, event{typ: evInit})
}

// stateDiscoveryInit sends Hello until the peer answers with HelloACK or its
// own Hello.
func stateDiscoveryInit(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		if c.selfStored(slotHello) != nil {
			return nil
		}
		p, err := s.buildHello(c)
		if err != nil {
			return err
		}
		c.selfPackets[slotHello] = p
		// fire on the very next tick; the transport may not be ready for a
		// send in the middle of setup
		c.timer = timer{on: true, firingTime: 0, step: helloBaseStep}
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeHello:
			hello, err := c.parseHello(pkt.message)
			if err != nil {
				return err
			}
			if err := s.respondToHello(c, pkt, hello); err != nil {
				return err
			}
			c.state = stateWaitingForHelloAck
			return nil
		case msgTypeHelloACK:
			c.timer.stop()
			c.accept(pkt)
			c.state = stateWaitingForHello
			return nil
		}
		return errUnexpectedMessage

	case evTimer:
		return c.retransmit(s, slotHello, helloCapStep, helloMaxresend)
	}
	return nil
}

// stateWaitingForHello holds after our Hello was acknowledged; the peer's
// Hello must still arrive.
func stateWaitingForHello(s *Session, c *Channel, e event) error {
	if e.typ != evMessage {
		return nil
	}
	pkt := e.packet
	if pkt.typ != msgTypeHello {
		return errUnexpectedMessage
	}
	hello, err := c.parseHello(pkt.message)
	if err != nil {
		return err
	}
	if err := s.respondToHello(c, pkt, hello); err != nil {
		return err
	}
	return runInit(s, c, stateSendingCommit)
}

// stateWaitingForHelloAck keeps resending Hello. The peer may acknowledge,
// repeat its Hello, or jump straight to a Commit and make us responder.
func stateWaitingForHelloAck(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeHello:
			if !sameBytes(pkt, c.peerStored(slotHello)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			return s.buildAndSend(c, msgTypeHelloACK)

		case msgTypeHelloACK:
			c.timer.stop()
			c.accept(pkt)
			return runInit(s, c, stateSendingCommit)

		case msgTypeCommit:
			commit, err := c.parseCommit(pkt.message)
			if err != nil {
				return err
			}
			return s.turnIntoResponder(c, pkt, commit)
		}
		return errUnexpectedMessage

	case evTimer:
		return c.retransmit(s, slotHello, helloCapStep, helloMaxresend)
	}
	return nil
}

// stateSendingCommit retransmits our Commit. Progress comes as a DHPart1
// (DH modes), a Confirm1 (multistream), or a contending Commit.
func stateSendingCommit(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		if c.selfStored(slotCommit) != nil {
			return nil
		}
		p, err := s.buildCommit(c)
		if err != nil {
			return err
		}
		c.selfPackets[slotCommit] = p
		c.timer.start(s.timeReference, nonHelloBaseStep)
		s.send(c, p)
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeDHPart1:
			if !c.keyAgreement.isDH() {
				return errUnexpectedMessage
			}
			m, err := c.parseDHPart(msgTypeDHPart1, pkt.message)
			if err != nil {
				return err
			}
			c.timer.stop()
			s.checkSecretIDs(c, m, roleResponder)
			c.setPeerH(1, m.h1[:])
			c.storePeer(slotDHPart, pkt, m)
			c.accept(pkt)

			shared, err := s.sharedSecret(c, m.pv)
			if err != nil {
				return err
			}
			if err := s.computeS0DH(c, shared); err != nil {
				return err
			}
			return runInit(s, c, stateInitiatorSendingDHPart2)

		case msgTypeConfirm1:
			if c.keyAgreement.isDH() {
				return errUnexpectedMessage
			}
			if c.keyAgreement == KeyAgreementMult && c.s0 == nil {
				// keys are needed before the Confirm1 can even be decrypted
				if err := s.computeS0Multistream(c); err != nil {
					return err
				}
			}
			m, err := c.parseConfirm(msgTypeConfirm1, pkt.message)
			if err != nil {
				return err
			}
			c.timer.stop()
			c.setPeerH(0, m.h0[:])
			c.storePeer(slotConfirm, pkt, m)
			c.notePeerConfirm(s, m)
			c.accept(pkt)
			return runInit(s, c, stateInitiatorSendingConfirm2)

		case msgTypeCommit:
			commit, err := c.parseCommit(pkt.message)
			if err != nil {
				return err
			}
			c.accept(pkt)
			if s.loseContention(c, commit) {
				c.selfPackets[slotCommit] = nil
				return s.turnIntoResponder(c, pkt, commit)
			}
			// we stay initiator, keep sending our Commit
			return nil
		}
		return errUnexpectedMessage

	case evTimer:
		return c.retransmit(s, slotCommit, nonHelloCapStep, nonHelloMaxResend)
	}
	return nil
}

// stateResponderSendingDHPart1 sends DHPart1 once per received Commit; the
// responder never retransmits on its own, the initiator's retransmissions
// drive progress.
func stateResponderSendingDHPart1(s *Session, c *Channel, e event) error {
	if c.selfStored(slotDHPart) == nil {
		return errInvalidContext
	}

	switch e.typ {
	case evInit:
		c.timer.stop()
		s.send(c, c.selfStored(slotDHPart))
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeCommit:
			if !sameBytes(pkt, c.peerStored(slotCommit)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			s.send(c, c.selfStored(slotDHPart))
			return nil

		case msgTypeDHPart2:
			m, err := c.parseDHPart(msgTypeDHPart2, pkt.message)
			if err != nil {
				return err
			}
			s.checkSecretIDs(c, m, roleInitiator)
			c.setPeerH(1, m.h1[:])
			c.storePeer(slotDHPart, pkt, m)
			c.accept(pkt)

			shared, err := s.sharedSecret(c, m.pv)
			if err != nil {
				return err
			}
			if err := s.computeS0DH(c, shared); err != nil {
				return err
			}
			return runInit(s, c, stateResponderSendingConfirm1)
		}
		return errUnexpectedMessage
	}
	return nil
}

// stateInitiatorSendingDHPart2 retransmits DHPart2 until the Confirm1.
func stateInitiatorSendingDHPart2(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		s.send(c, c.selfStored(slotDHPart))
		c.timer.start(s.timeReference, nonHelloBaseStep)
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeDHPart1:
			if !sameBytes(pkt, c.peerStored(slotDHPart)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			return nil

		case msgTypeConfirm1:
			m, err := c.parseConfirm(msgTypeConfirm1, pkt.message)
			if err != nil {
				return err
			}
			c.timer.stop()
			c.setPeerH(0, m.h0[:])
			c.storePeer(slotConfirm, pkt, m)
			c.notePeerConfirm(s, m)
			c.accept(pkt)
			return runInit(s, c, stateInitiatorSendingConfirm2)
		}
		return errUnexpectedMessage

	case evTimer:
		return c.retransmit(s, slotDHPart, nonHelloCapStep, nonHelloMaxResend)
	}
	return nil
}

// stateResponderSendingConfirm1 sends Confirm1 once per driving message and
// waits for the Confirm2.
func stateResponderSendingConfirm1(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		switch {
		case c.keyAgreement == KeyAgreementMult:
			if err := s.computeS0Multistream(c); err != nil {
				return err
			}
		case c.keyAgreement == KeyAgreementPrsh:
			return errInvalidContext // preshared key derivation is not offered
		default:
			if c.mackeyr == nil || c.zrtpkeyr == nil {
				return errInvalidContext
			}
		}
		c.timer.stop()

		p, err := s.buildConfirm(c, msgTypeConfirm1)
		if err != nil {
			return err
		}
		c.selfPackets[slotConfirm] = p
		s.send(c, p)
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeCommit:
			if c.keyAgreement.isDH() {
				return errUnexpectedMessage
			}
			if !sameBytes(pkt, c.peerStored(slotCommit)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			s.send(c, c.selfStored(slotConfirm))
			return nil

		case msgTypeDHPart2:
			if !c.keyAgreement.isDH() {
				return errUnexpectedMessage
			}
			if !sameBytes(pkt, c.peerStored(slotDHPart)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			s.send(c, c.selfStored(slotConfirm))
			return nil

		case msgTypeConfirm2:
			m, err := c.parseConfirm(msgTypeConfirm2, pkt.message)
			if err != nil {
				return err
			}
			c.setPeerH(0, m.h0[:])
			c.storePeer(slotConfirm, pkt, m)
			c.notePeerConfirm(s, m)
			c.accept(pkt)
			if err := s.buildAndSend(c, msgTypeConf2ACK); err != nil {
				return err
			}
			return runInit(s, c, stateSecure)
		}
		return errUnexpectedMessage
	}
	return nil
}

// stateInitiatorSendingConfirm2 retransmits Confirm2 until the Conf2ACK.
func stateInitiatorSendingConfirm2(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		if c.mackeyi == nil || c.zrtpkeyi == nil {
			return errInvalidContext
		}
		p, err := s.buildConfirm(c, msgTypeConfirm2)
		if err != nil {
			return err
		}
		c.selfPackets[slotConfirm] = p
		s.send(c, p)
		c.timer.start(s.timeReference, nonHelloBaseStep)
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeConfirm1:
			if !sameBytes(pkt, c.peerStored(slotConfirm)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			return nil

		case msgTypeConf2ACK:
			c.timer.stop()
			c.accept(pkt)
			return runInit(s, c, stateSecure)
		}
		return errUnexpectedMessage

	case evTimer:
		return c.retransmit(s, slotConfirm, nonHelloCapStep, nonHelloMaxResend)
	}
	return nil
}

// stateSecure is terminal for the exchange. The channel only reacts to
// Confirm2 repetitions, and to GoClear when the session opted in.
func stateSecure(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evInit:
		c.isSecure = true
		c.isClear = false
		s.secure = true
		log.Info("channel %08x secure, sas=%q", c.selfSSRC, c.sasValue)

		if c.isMain && c.keyAgreement.isDH() {
			if err := s.rotateRetainedSecret(c); err != nil {
				return err
			}
		}

		if s.callbacks.SRTPSecretsAvailable != nil {
			secrets := c.srtp
			secrets.SelfKey = append([]byte(nil), c.srtp.SelfKey...)
			secrets.SelfSalt = append([]byte(nil), c.srtp.SelfSalt...)
			secrets.PeerKey = append([]byte(nil), c.srtp.PeerKey...)
			secrets.PeerSalt = append([]byte(nil), c.srtp.PeerSalt...)
			s.callbacks.SRTPSecretsAvailable(c.tag, &secrets)
		}
		if s.callbacks.StartSRTP != nil {
			s.callbacks.StartSRTP(c.tag, c.sasValue, s.cached.sasVerified && c.peerV)
		}

		// s0 has served every derivation by now
		crypto.Wipe(c.s0)
		c.s0 = nil
		return nil

	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeConfirm2:
			// our Conf2ACK was lost
			if c.role != roleResponder {
				return errUnexpectedMessage
			}
			if !sameBytes(pkt, c.peerStored(slotConfirm)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			return s.buildAndSend(c, msgTypeConf2ACK)

		case msgTypeGoClear:
			return s.handleGoClear(c, pkt)
		}
		return errUnexpectedMessage

	case evGoClear:
		if !s.acceptGoClear {
			return errGoClearDisabled
		}
		if !s.peerAcceptGoClear {
			return errGoClearDisabled
		}
		p, err := s.buildGoClear(c)
		if err != nil {
			return err
		}
		c.selfPackets[slotGoClear] = p
		s.send(c, p)
		c.timer.start(s.timeReference, clearACKBaseStep)
		c.state = stateSendingGoClear
		return nil

	case evAcceptGoClear:
		if !c.receivedClear {
			return errInvalidContext
		}
		if err := s.buildAndSend(c, msgTypeClearACK); err != nil {
			return err
		}
		return s.enterClear(c)
	}
	return nil
}

// stateSendingGoClear retransmits GoClear until the peer acknowledges.
func stateSendingGoClear(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evMessage:
		pkt := e.packet
		if pkt.typ != msgTypeClearACK {
			return errUnexpectedMessage
		}
		c.timer.stop()
		c.accept(pkt)
		return s.enterClear(c)

	case evTimer:
		// the ClearACK timer holds a constant step
		return c.retransmit(s, slotGoClear, clearACKBaseStep, clearACKMaxResend)
	}
	return nil
}

// stateClear: media is unprotected. A repeated GoClear gets its ClearACK
// again; the session can be taken back to secure, which re-runs the commit
// phase keyed from ZRTPSess.
func stateClear(s *Session, c *Channel, e event) error {
	switch e.typ {
	case evMessage:
		pkt := e.packet
		switch pkt.typ {
		case msgTypeGoClear:
			if !sameBytes(pkt, c.peerStored(slotGoClear)) {
				return errRepetitionMismatch
			}
			c.accept(pkt)
			return s.buildAndSend(c, msgTypeClearACK)

		case msgTypeCommit:
			commit, err := c.parseCommit(pkt.message)
			if err != nil {
				return err
			}
			return s.turnIntoResponder(c, pkt, commit)
		}
		return errUnexpectedMessage

	case evBackToSecure:
		if s.zrtpSess == nil || !s.peerSupportsMulti {
			return errInvalidContext
		}
		c.keyAgreement = KeyAgreementMult
		c.role = roleInitiator
		c.isClear = false
		return runInit(s, c, stateSendingCommit)
	}
	return nil
}

// ---------------------------------------------------------------------------
// shared transitions

// respondToHello processes the peer's first Hello on this channel: version
// check, algorithm agreement, cached secret retrieval, the pre-built DHPart2
// for DH modes, and the HelloACK answer.
func (s *Session) respondToHello(c *Channel, pkt *inboundPacket, hello *helloMessage) error {
	// version is matched on "1.1?"; anything else is ignored
	if len(hello.version) < 3 || hello.version[:3] != protocolVersion[:3] {
		return errUnsupportedVersion
	}

	if err := s.negotiate(c, hello); err != nil {
		return err
	}

	for _, ka := range hello.keyAgreements {
		if ka == KeyAgreementMult {
			s.peerSupportsMulti = true
		}
	}

	s.peerZID = hello.zid
	s.peerClientID = hello.clientID
	c.setPeerH(3, hello.h3[:])
	c.storePeer(slotHello, pkt, hello)
	c.accept(pkt)

	if err := s.loadCachedSecrets(hello.zid); err != nil {
		return err
	}
	if err := s.computeSecretIDs(c); err != nil {
		return err
	}

	// a session that already carries ZRTPSess keys additional channels from
	// it, whatever the per-category pick said
	if s.peerSupportsMulti && s.zrtpSess != nil {
		c.keyAgreement = KeyAgreementMult
	}

	if c.keyAgreement.isDH() {
		// Build our DHPart2 now: the Commit pins hvi = hash(DHPart2 ||
		// peer's Hello), so the message bytes must exist first. If
		// contention later makes us responder it is rebuilt as DHPart1.
		p, err := s.buildDHPart(c, msgTypeDHPart2)
		if err != nil {
			return err
		}
		c.selfPackets[slotDHPart] = p
	}

	return s.buildAndSend(c, msgTypeHelloACK)
}

// loseContention applies the RFC 6189 section 4.2 tie-break between two
// simultaneous Commits and reports whether we must yield the initiator role.
func (s *Session) loseContention(c *Channel, peer *commitMessage) bool {
	self, ok := c.selfStored(slotCommit).data.(*commitMessage)
	if !ok {
		return true
	}

	if peer.keyAgreement != self.keyAgreement {
		// a Preshared Commit yields to any other mode
		return self.keyAgreement == KeyAgreementPrsh && peer.keyAgreement != KeyAgreementPrsh
	}

	if peer.keyAgreement == KeyAgreementPrsh {
		selfHello := c.selfStored(slotHello).data.(*helloMessage)
		peerHello := c.peerStored(slotHello).data.(*helloMessage)
		if selfHello.mitm || peerHello.mitm {
			// for Preshared the PBX is always the responder
			return selfHello.mitm
		}
	}

	// lower hvi (DH) or nonce (non-DH), compared as big-endian unsigned
	// integers, becomes responder
	if !self.keyAgreement.isDH() {
		return bytes.Compare(self.nonce[:], peer.nonce[:]) < 0
	}
	return bytes.Compare(self.hvi[:], peer.hvi[:]) < 0
}

// turnIntoResponder adopts the peer's Commit: take over its algorithm
// selection, rebuild our DHPart as a DHPart1 with responder secret IDs, and
// move to the responder branch.
func (s *Session) turnIntoResponder(c *Channel, pkt *inboundPacket, commit *commitMessage) error {
	if !s.supportsAlgorithms(commit) {
		return errInvalidMessage
	}
	if commit.keyAgreement == KeyAgreementMult && s.zrtpSess == nil {
		return errInvalidContext
	}
	if commit.keyAgreement == KeyAgreementPrsh {
		return errUnexpectedMessage // preshared key derivation is not offered
	}

	c.timer.stop()
	c.storePeer(slotCommit, pkt, commit)
	c.accept(pkt)
	c.setPeerH(2, commit.h2[:])

	c.role = roleResponder
	c.hash = commit.hash
	c.cipher = commit.cipher
	c.authTag = commit.authTag
	c.keyAgreement = commit.keyAgreement
	c.sas = commit.sas
	c.bindAlgorithms()
	log.Debug("channel %08x turned responder, keyagreement=%v", c.selfSSRC, c.keyAgreement)

	if c.keyAgreement.isDH() {
		// the aux secret IDs are keyed by the H3 of whoever holds the role,
		// so the role flip swaps them
		c.initiatorAuxID, c.responderAuxID = c.responderAuxID, c.initiatorAuxID

		p, err := s.buildDHPart(c, msgTypeDHPart1)
		if err != nil {
			return err
		}
		c.selfPackets[slotDHPart] = p
		return runInit(s, c, stateResponderSendingDHPart1)
	}

	c.selfPackets[slotDHPart] = nil
	return runInit(s, c, stateResponderSendingConfirm1)
}

// handleGoClear verifies a peer GoClear request and surfaces it to the host,
// which answers via Session.AcceptClear.
func (s *Session) handleGoClear(c *Channel, pkt *inboundPacket) error {
	if !s.acceptGoClear {
		return errUnexpectedMessage
	}
	m, err := parseGoClear(pkt.message)
	if err != nil {
		return err
	}

	// clear_mac is keyed with the sender's role HMAC key
	macKey := c.mackeyr
	if c.role == roleResponder {
		macKey = c.mackeyi
	}
	if macKey == nil {
		return errInvalidContext
	}
	if !crypto.EqualMAC(c.hmacFn(macKey, []byte("GoClear "), 8), m.clearMAC[:]) {
		return errMACMismatch
	}

	c.storePeer(slotGoClear, pkt, m)
	c.accept(pkt)
	c.receivedClear = true
	s.callbacks.status(c.tag, SeverityWarning, StatusGoClearReceived)
	return nil
}

// enterClear tears the channel's protocol state back to the post-discovery
// point: keys wiped, every stored message but the Hellos and GoClears
// dropped, so a later
// commit can re-secure the channel from ZRTPSess.
func (s *Session) enterClear(c *Channel) error {
	c.clearNegotiationState()
	c.isClear = true
	c.state = stateClear
	s.callbacks.status(c.tag, SeverityInfo, StatusEnteredClear)
	log.Info("channel %08x entered clear state", c.selfSSRC)
	return nil
}

// notePeerConfirm records the flags the peer disclosed in its (decrypted)
// Confirm body.
func (c *Channel) notePeerConfirm(s *Session, m *confirmMessage) {
	c.peerV = m.v
	if m.a {
		s.peerAcceptGoClear = true
	}
}

// retransmit re-sends the stored packet for slot after adjusting the timer,
// reporting a timeout through the status callback when the retry budget is
// exhausted.
func (c *Channel) retransmit(s *Session, slot int, capStep, maxCount int) error {
	p := c.selfStored(slot)
	if p == nil {
		return errInvalidContext
	}
	if !c.timer.backoff(s.timeReference, capStep, maxCount) {
		log.Warn("channel %08x gave up retransmitting %v", c.selfSSRC, p.typ)
		s.callbacks.status(c.tag, SeverityError, StatusTimeout)
		return nil
	}
	s.send(c, p)
	return nil
}

// ---------------------------------------------------------------------------
// packet builders

func (s *Session) buildHello(c *Channel) (*sentPacket, error) {
	m := &helloMessage{
		version:       protocolVersion,
		clientID:      clientIdentifier,
		zid:           s.selfZID,
		mitm:          s.mitm,
		hashes:        s.supportedHashes,
		ciphers:       s.supportedCiphers,
		authTags:      s.supportedAuthTags,
		keyAgreements: s.supportedKeyAgreements,
		sases:         s.supportedSASes,
	}
	m.h3 = c.selfH[3]

	message, err := m.marshal(c)
	if err != nil {
		return nil, err
	}
	return s.packetize(c, msgTypeHello, message, m), nil
}

func (s *Session) buildCommit(c *Channel) (*sentPacket, error) {
	m := &commitMessage{
		zid:          s.selfZID,
		hash:         c.hash,
		cipher:       c.cipher,
		authTag:      c.authTag,
		keyAgreement: c.keyAgreement,
		sas:          c.sas,
	}
	m.h2 = c.selfH[2]

	if c.keyAgreement.isDH() {
		selfDHPart := c.selfStored(slotDHPart)
		peerHello := c.peerStored(slotHello)
		if selfDHPart == nil || peerHello == nil {
			return nil, errInvalidContext
		}
		// hvi = hash(initiator's DHPart2 || responder's Hello), truncated to
		// 256 bits whatever the negotiated hash
		copy(m.hvi[:], c.hashFn(selfDHPart.message, peerHello.message)[:32])

		if c.keyAgreement.isKEM() {
			kem, err := crypto.NewKEM(s.rand)
			if err != nil {
				return nil, errCryptoFailure
			}
			s.dropKeyAgreement()
			s.kem = kem
			s.kaAlgo = c.keyAgreement
			m.pv = kem.PublicKey()
		}
	} else {
		if _, err := io.ReadFull(s.rand, m.nonce[:]); err != nil {
			return nil, errCryptoFailure
		}
	}

	message, err := m.marshal(c)
	if err != nil {
		return nil, err
	}
	return s.packetize(c, msgTypeCommit, message, m), nil
}

// buildDHPart builds either flavour of DHPart. DHPart2 carries the initiator
// secret IDs, DHPart1 the responder ones; KEM modes put the encapsulation in
// DHPart1 and only a nonce in DHPart2.
func (s *Session) buildDHPart(c *Channel, typ msgType) (*sentPacket, error) {
	m := new(dhPartMessage)
	m.h1 = c.selfH[1]
	if typ == msgTypeDHPart2 {
		m.rs1ID = s.initiatorIDs.rs1ID
		m.rs2ID = s.initiatorIDs.rs2ID
		m.auxSecretID = c.initiatorAuxID
		m.pbxSecretID = s.initiatorIDs.pbxID
	} else {
		m.rs1ID = s.responderIDs.rs1ID
		m.rs2ID = s.responderIDs.rs2ID
		m.auxSecretID = c.responderAuxID
		m.pbxSecretID = s.responderIDs.pbxID
	}

	pvLength := c.keyAgreement.publicValueLength(typ)
	switch {
	case c.keyAgreement.isKEM() && typ == msgTypeDHPart1:
		peerCommit := c.peerStored(slotCommit)
		if peerCommit == nil {
			return nil, errInvalidContext
		}
		ct, shared, err := crypto.Encapsulate(s.rand, peerCommit.data.(*commitMessage).pv)
		if err != nil {
			return nil, errCryptoFailure
		}
		s.kemShared = shared
		m.pv = ct

	case c.keyAgreement.isKEM(): // DHPart2 carries a nonce only
		m.pv = make([]byte, pvLength)
		if _, err := io.ReadFull(s.rand, m.pv); err != nil {
			return nil, errCryptoFailure
		}

	default:
		ex, err := s.exchange(c)
		if err != nil {
			return nil, err
		}
		m.pv = ex.PublicValue()
	}

	message, err := m.marshal(c, typ)
	if err != nil {
		return nil, err
	}
	return s.packetize(c, typ, message, m), nil
}

func (s *Session) buildConfirm(c *Channel, typ msgType) (*sentPacket, error) {
	m := &confirmMessage{
		v:               s.cached.sasVerified,
		a:               s.acceptGoClear,
		cacheExpiration: 0xFFFFFFFF, // unlimited, as recommended
	}
	m.h0 = c.selfH[0]
	if _, err := io.ReadFull(s.rand, m.iv[:]); err != nil {
		return nil, errCryptoFailure
	}

	var cipherKey, macKey []byte
	if typ == msgTypeConfirm2 {
		cipherKey, macKey = c.zrtpkeyi, c.mackeyi
	} else {
		cipherKey, macKey = c.zrtpkeyr, c.mackeyr
	}
	message, err := m.marshal(c, typ, cipherKey, macKey)
	if err != nil {
		return nil, err
	}
	return s.packetize(c, typ, message, m), nil
}

func (s *Session) buildGoClear(c *Channel) (*sentPacket, error) {
	macKey := c.mackeyi
	if c.role == roleResponder {
		macKey = c.mackeyr
	}
	if macKey == nil {
		return nil, errInvalidContext
	}
	m := new(goClearMessage)
	copy(m.clearMAC[:], c.hmacFn(macKey, []byte("GoClear "), 8))

	message, err := m.marshal()
	if err != nil {
		return nil, err
	}
	return s.packetize(c, msgTypeGoClear, message, m), nil
}
