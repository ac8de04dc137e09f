// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"io"

	"github.com/pkg/errors"

	"github.com/lanikai/zrtp/internal/crypto"
	"github.com/lanikai/zrtp/zidcache"
)

const retainedSecretLength = 32

// cachedSecrets is the session's working copy of the cache row for the peer.
// Secrets disqualified by a mismatch are dropped from here so they cannot
// enter the key schedule.
type cachedSecrets struct {
	loaded      bool
	rs1         []byte
	rs2         []byte
	auxSecret   []byte
	pbxSecret   []byte
	sasVerified bool
}

func (cs *cachedSecrets) wipe() {
	crypto.Wipe(cs.rs1)
	crypto.Wipe(cs.rs2)
	crypto.Wipe(cs.auxSecret)
	crypto.Wipe(cs.pbxSecret)
	*cs = cachedSecrets{}
}

// secretIDs are the 8-byte truncated HMACs of the session-wide cached
// secrets, one set per protocol role. The aux secret ID lives on the channel
// because it is keyed by the channel's H3 images.
type secretIDs struct {
	rs1ID [8]byte
	rs2ID [8]byte
	pbxID [8]byte
}

// loadCachedSecrets pulls the peer's record from the ZID cache, under the
// host-provided mutex since the cache may be shared between sessions. Called
// once, on the first Hello carrying the peer ZID.
func (s *Session) loadCachedSecrets(peer ZID) error {
	if s.cached.loaded {
		return nil
	}
	s.cached.loaded = true
	if s.cache == nil {
		return nil
	}

	s.cacheMu.Lock()
	rec, err := s.cache.Lookup([12]byte(peer))
	s.cacheMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "zid cache lookup")
	}
	if rec == nil {
		return nil
	}
	s.cached.rs1 = rec.RS1
	s.cached.rs2 = rec.RS2
	s.cached.auxSecret = rec.AuxSecret
	s.cached.pbxSecret = rec.PBXSecret
	s.cached.sasVerified = rec.SASVerified
	return nil
}

// computeSecretIDs derives the initiator and responder truncated HMACs for
// every cached secret. Absent secrets get random IDs, so the wire does not
// reveal which secrets we hold. The auxiliary secret is channel-scoped: its
// ID is keyed by the H3 of whichever side plays the role.
func (s *Session) computeSecretIDs(c *Channel) error {
	id := func(secret []byte, label string, out *[8]byte) error {
		if secret != nil {
			copy(out[:], c.hmacFn(secret, []byte(label), 8))
			return nil
		}
		if _, err := io.ReadFull(s.rand, out[:]); err != nil {
			return errCryptoFailure
		}
		return nil
	}

	if err := id(s.cached.rs1, "Initiator", &s.initiatorIDs.rs1ID); err != nil {
		return err
	}
	if err := id(s.cached.rs1, "Responder", &s.responderIDs.rs1ID); err != nil {
		return err
	}
	if err := id(s.cached.rs2, "Initiator", &s.initiatorIDs.rs2ID); err != nil {
		return err
	}
	if err := id(s.cached.rs2, "Responder", &s.responderIDs.rs2ID); err != nil {
		return err
	}
	if err := id(s.cached.pbxSecret, "Initiator", &s.initiatorIDs.pbxID); err != nil {
		return err
	}
	if err := id(s.cached.pbxSecret, "Responder", &s.responderIDs.pbxID); err != nil {
		return err
	}

	aux := s.auxSecret()
	if aux != nil {
		copy(c.initiatorAuxID[:], c.hmacFn(aux, c.selfH[3][:], 8))
		copy(c.responderAuxID[:], c.hmacFn(aux, c.peerH[3][:], 8))
		return nil
	}
	if _, err := io.ReadFull(s.rand, c.initiatorAuxID[:]); err != nil {
		return errCryptoFailure
	}
	if _, err := io.ReadFull(s.rand, c.responderAuxID[:]); err != nil {
		return errCryptoFailure
	}
	return nil
}

// auxSecret combines the transient caller-supplied secret with the cached
// one; either part may be absent.
func (s *Session) auxSecret() []byte {
	switch {
	case s.transientAuxSecret == nil:
		return s.cached.auxSecret
	case s.cached.auxSecret == nil:
		return s.transientAuxSecret
	default:
		return append(append([]byte(nil), s.transientAuxSecret...), s.cached.auxSecret...)
	}
}

// checkSecretIDs compares the cached-secret IDs received in a DHPart message
// against the locally computed ones for the sender's role, for every secret
// we hold. A mismatch means the two caches disagree; per RFC 6189 section
// 4.3.2 the exchange continues without the secret, but the user must be
// warned since continuity is lost.
func (s *Session) checkSecretIDs(c *Channel, m *dhPartMessage, sender role) {
	var ids *secretIDs
	var auxID []byte
	if sender == roleInitiator {
		ids = &s.initiatorIDs
		auxID = c.initiatorAuxID[:]
	} else {
		ids = &s.responderIDs
		auxID = c.responderAuxID[:]
	}

	mismatch := false
	if s.cached.rs1 != nil && !crypto.EqualMAC(ids.rs1ID[:], m.rs1ID[:]) {
		mismatch = true
		crypto.Wipe(s.cached.rs1)
		s.cached.rs1 = nil
	}
	if s.cached.rs2 != nil && !crypto.EqualMAC(ids.rs2ID[:], m.rs2ID[:]) {
		mismatch = true
		crypto.Wipe(s.cached.rs2)
		s.cached.rs2 = nil
	}
	if s.auxSecret() != nil && !crypto.EqualMAC(auxID, m.auxSecretID[:]) {
		mismatch = true
		crypto.Wipe(s.cached.auxSecret)
		s.cached.auxSecret = nil
		s.transientAuxSecret = nil
	}
	if s.cached.pbxSecret != nil && !crypto.EqualMAC(ids.pbxID[:], m.pbxSecretID[:]) {
		mismatch = true
		crypto.Wipe(s.cached.pbxSecret)
		s.cached.pbxSecret = nil
	}

	if mismatch {
		s.cacheMismatch = true
		log.Warn("channel %08x cached secret mismatch, continuing without continuity", c.selfSSRC)
		s.callbacks.status(c.tag, SeverityWarning, StatusCacheMismatch)
	}
}

// rotateRetainedSecret commits the freshly derived rs1 to the cache once the
// main channel is secure: the old rs1 slides into rs2 and the new one, drawn
// from the channel's key schedule, takes its place.
func (s *Session) rotateRetainedSecret(c *Channel) error {
	if s.cache == nil || c.newRS1 == nil {
		return nil
	}

	rec := &zidcache.Record{
		RS1:         c.newRS1,
		RS2:         s.cached.rs1,
		AuxSecret:   s.cached.auxSecret,
		PBXSecret:   s.cached.pbxSecret,
		SASVerified: s.cached.sasVerified && c.peerV,
	}

	s.cacheMu.Lock()
	err := s.cache.Store([12]byte(s.peerZID), rec)
	s.cacheMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "zid cache store")
	}

	// our working copy follows the rotation, a multistream channel must not
	// re-rotate from stale state
	s.cached.rs2 = s.cached.rs1
	s.cached.rs1 = append([]byte(nil), c.newRS1...)
	return nil
}
