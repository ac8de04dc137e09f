// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"github.com/lanikai/zrtp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("zrtp")

// negotiate intersects the local menus with the peer's Hello and binds the
// winning algorithm of each category to the channel. Mandatory algorithms are
// injected into both sides first, so a common ground always exists; selection
// order is local preference.
func (s *Session) negotiate(c *Channel, hello *helloMessage) error {
	c.hash = pickHash(
		appendHash(s.supportedHashes, HashS256),
		appendHash(hello.hashes, HashS256))
	c.cipher = pickCipher(
		appendCipher(s.supportedCiphers, CipherAES1),
		appendCipher(hello.ciphers, CipherAES1))
	c.authTag = pickAuthTag(
		appendAuthTag(s.supportedAuthTags, AuthTagHS32),
		appendAuthTag(hello.authTags, AuthTagHS32))
	c.keyAgreement = pickKeyAgreement(
		appendKeyAgreement(s.supportedKeyAgreements, KeyAgreementDH3k),
		appendKeyAgreement(hello.keyAgreements, KeyAgreementDH3k))
	c.sas = pickSAS(
		appendSAS(s.supportedSASes, SASB32),
		appendSAS(hello.sases, SASB32))

	// The preshared mode is wire-supported but never chosen as our own
	// starting mode.
	if c.keyAgreement == KeyAgreementPrsh {
		c.keyAgreement = KeyAgreementDH3k
	}

	c.bindAlgorithms()
	log.Info("channel %08x negotiated hash=%v cipher=%v authtag=%v keyagreement=%v sas=%v",
		c.selfSSRC, c.hash, c.cipher, c.authTag, c.keyAgreement, c.sas)
	return nil
}

// Per-category pick and inject helpers. Generics being unavailable, each
// category gets its own tiny pair, like the per-category lists in the Hello
// message itself.

func appendHash(list []HashAlgo, mandatory HashAlgo) []HashAlgo {
	for _, a := range list {
		if a == mandatory {
			return list
		}
	}
	return append(append([]HashAlgo(nil), list...), mandatory)
}

func pickHash(local, peer []HashAlgo) HashAlgo {
	for _, l := range local {
		for _, p := range peer {
			if l == p && l != HashNone {
				return l
			}
		}
	}
	return HashS256
}

func appendCipher(list []CipherAlgo, mandatory CipherAlgo) []CipherAlgo {
	for _, a := range list {
		if a == mandatory {
			return list
		}
	}
	return append(append([]CipherAlgo(nil), list...), mandatory)
}

func pickCipher(local, peer []CipherAlgo) CipherAlgo {
	for _, l := range local {
		for _, p := range peer {
			if l == p && l != CipherNone {
				return l
			}
		}
	}
	return CipherAES1
}

func appendAuthTag(list []AuthTagAlgo, mandatory AuthTagAlgo) []AuthTagAlgo {
	for _, a := range list {
		if a == mandatory {
			return list
		}
	}
	return append(append([]AuthTagAlgo(nil), list...), mandatory)
}

func pickAuthTag(local, peer []AuthTagAlgo) AuthTagAlgo {
	for _, l := range local {
		for _, p := range peer {
			if l == p && l != AuthTagNone {
				return l
			}
		}
	}
	return AuthTagHS32
}

func appendKeyAgreement(list []KeyAgreement, mandatory KeyAgreement) []KeyAgreement {
	for _, a := range list {
		if a == mandatory {
			return list
		}
	}
	return append(append([]KeyAgreement(nil), list...), mandatory)
}

func pickKeyAgreement(local, peer []KeyAgreement) KeyAgreement {
	for _, l := range local {
		if l == KeyAgreementMult {
			// multistream is an upgrade decided from session state, not a
			// preference-ordered pick
			continue
		}
		for _, p := range peer {
			if l == p && l != KeyAgreementNone {
				return l
			}
		}
	}
	return KeyAgreementDH3k
}

func appendSAS(list []SASAlgo, mandatory SASAlgo) []SASAlgo {
	for _, a := range list {
		if a == mandatory {
			return list
		}
	}
	return append(append([]SASAlgo(nil), list...), mandatory)
}

func pickSAS(local, peer []SASAlgo) SASAlgo {
	for _, l := range local {
		for _, p := range peer {
			if l == p && l != SASNone {
				return l
			}
		}
	}
	return SASB32
}

// supportsKeyAgreement reports whether the algorithm appears in our
// advertised menu; a Commit proposing something we never offered is invalid.
func (s *Session) supportsKeyAgreement(a KeyAgreement) bool {
	if a == KeyAgreementMult {
		return true
	}
	for _, k := range appendKeyAgreement(s.supportedKeyAgreements, KeyAgreementDH3k) {
		if k == a {
			return true
		}
	}
	return false
}

func (s *Session) supportsAlgorithms(commit *commitMessage) bool {
	ok := false
	for _, a := range appendHash(s.supportedHashes, HashS256) {
		ok = ok || a == commit.hash
	}
	if !ok {
		return false
	}
	ok = false
	for _, a := range appendCipher(s.supportedCiphers, CipherAES1) {
		ok = ok || a == commit.cipher
	}
	if !ok {
		return false
	}
	ok = false
	for _, a := range appendAuthTag(s.supportedAuthTags, AuthTagHS32) {
		ok = ok || a == commit.authTag
	}
	if !ok {
		return false
	}
	ok = false
	for _, a := range appendSAS(s.supportedSASes, SASB32) {
		ok = ok || a == commit.sas
	}
	return ok && s.supportsKeyAgreement(commit.keyAgreement)
}
