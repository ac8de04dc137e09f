// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// Key schedule from RFC 6189 sections 4.4 and 4.5. Everything below hangs off
// s0: in DH modes s0 is a hash over the shared secret, the transcript
// (total_hash) and the cached secrets; in multistream mode it is derived from
// the session key ZRTPSess negotiated on the main channel.

import (
	"encoding/binary"

	"github.com/lanikai/zrtp/internal/crypto"
)

const srtpSaltLength = 14 // 112 bits

// kdf is the ZRTP key derivation function:
//
//	KDF(KI, Label, Context, L) = HMAC(KI, i || Label || 0x00 || Context || L)
//
// with i a fixed 32-bit big-endian 1 and L the output length in bits.
func kdf(hmacFn func(key, data []byte, n int) []byte, key []byte, label string, context []byte, length int) []byte {
	data := make([]byte, 0, 4+len(label)+1+len(context)+4)
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, label...)
	data = append(data, 0x00)
	data = append(data, context...)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(length*8))
	data = append(data, l[:]...)
	return hmacFn(key, data, length)
}

// computeKDFContext hashes the negotiation transcript into total_hash and
// assembles KDF_Context = ZIDi || ZIDr || total_hash. The transcript is the
// responder's Hello, the Commit and, in DH modes, both DHPart messages, in
// that order, message bytes only.
func (s *Session) computeKDFContext(c *Channel) error {
	var parts [][]byte
	var zidi, zidr ZID

	if c.role == roleResponder {
		selfHello := c.selfStored(slotHello)
		peerCommit := c.peerStored(slotCommit)
		if selfHello == nil || peerCommit == nil {
			return errInvalidContext
		}
		parts = append(parts, selfHello.message, peerCommit.message)
		if c.keyAgreement.isDH() {
			selfDHPart := c.selfStored(slotDHPart)
			peerDHPart := c.peerStored(slotDHPart)
			if selfDHPart == nil || peerDHPart == nil {
				return errInvalidContext
			}
			parts = append(parts, selfDHPart.message, peerDHPart.message)
		}
		zidi, zidr = s.peerZID, s.selfZID
	} else {
		peerHello := c.peerStored(slotHello)
		selfCommit := c.selfStored(slotCommit)
		if peerHello == nil || selfCommit == nil {
			return errInvalidContext
		}
		parts = append(parts, peerHello.message, selfCommit.message)
		if c.keyAgreement.isDH() {
			peerDHPart := c.peerStored(slotDHPart)
			selfDHPart := c.selfStored(slotDHPart)
			if peerDHPart == nil || selfDHPart == nil {
				return errInvalidContext
			}
			parts = append(parts, peerDHPart.message, selfDHPart.message)
		}
		zidi, zidr = s.selfZID, s.peerZID
	}

	totalHash := c.hashFn(parts...)[:c.hashLength]

	c.kdfContext = make([]byte, 0, 24+c.hashLength)
	c.kdfContext = append(c.kdfContext, zidi[:]...)
	c.kdfContext = append(c.kdfContext, zidr[:]...)
	c.kdfContext = append(c.kdfContext, totalHash...)
	return nil
}

// computeS0DH mixes the fresh shared secret with the cached long-term ones:
//
//	s0 = hash(counter || DHResult || "ZRTP-HMAC-KDF" || ZIDi || ZIDr ||
//	          total_hash || len(s1) || s1 || len(s2) || s2 || len(s3) || s3)
//
// s1 is rs1 when held, else rs2; s2 the auxiliary secret; s3 the PBX secret.
// Absent secrets contribute a zero length and no bytes. The DHResult buffer
// is wiped before returning.
func (s *Session) computeS0DH(c *Channel, dhResult []byte) error {
	defer crypto.Wipe(dhResult)

	if err := s.computeKDFContext(c); err != nil {
		return err
	}

	s1 := s.cached.rs1
	if s1 == nil {
		s1 = s.cached.rs2
	}
	s2 := s.auxSecret()
	s3 := s.cached.pbxSecret

	data := make([]byte, 0, 4+len(dhResult)+13+len(c.kdfContext)+12+len(s1)+len(s2)+len(s3))
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, dhResult...)
	data = append(data, "ZRTP-HMAC-KDF"...)
	data = append(data, c.kdfContext...) // already ZIDi || ZIDr || total_hash
	for _, secret := range [][]byte{s1, s2, s3} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(secret)))
		data = append(data, l[:]...)
		data = append(data, secret...)
	}

	c.s0 = c.hashFn(data)[:c.hashLength]
	crypto.Wipe(data)

	return s.deriveChannelKeys(c)
}

// computeS0Multistream keys an additional channel from the session key:
// s0 = KDF(ZRTPSess, "ZRTP MSK", KDF_Context, hash length).
func (s *Session) computeS0Multistream(c *Channel) error {
	if s.zrtpSess == nil {
		return errInvalidContext
	}
	if err := s.computeKDFContext(c); err != nil {
		return err
	}
	c.s0 = kdf(c.hmacFn, s.zrtpSess, "ZRTP MSK", c.kdfContext, c.hashLength)
	return s.deriveChannelKeys(c)
}

// deriveChannelKeys expands s0 into the per-channel working keys, the SRTP
// material, the SAS, and on the main channel the session-wide secrets.
func (s *Session) deriveChannelKeys(c *Channel) error {
	c.mackeyi = kdf(c.hmacFn, c.s0, "Initiator HMAC key", c.kdfContext, c.hashLength)
	c.mackeyr = kdf(c.hmacFn, c.s0, "Responder HMAC key", c.kdfContext, c.hashLength)
	c.zrtpkeyi = kdf(c.hmacFn, c.s0, "Initiator ZRTP key", c.kdfContext, c.cipherKeyLength)
	c.zrtpkeyr = kdf(c.hmacFn, c.s0, "Responder ZRTP key", c.kdfContext, c.cipherKeyLength)

	srtpkeyi := kdf(c.hmacFn, c.s0, "Initiator SRTP master key", c.kdfContext, c.cipherKeyLength)
	srtpsalti := kdf(c.hmacFn, c.s0, "Initiator SRTP master salt", c.kdfContext, srtpSaltLength)
	srtpkeyr := kdf(c.hmacFn, c.s0, "Responder SRTP master key", c.kdfContext, c.cipherKeyLength)
	srtpsaltr := kdf(c.hmacFn, c.s0, "Responder SRTP master salt", c.kdfContext, srtpSaltLength)

	c.srtp = SRTPSecrets{
		Cipher:     c.cipher,
		AuthTag:    c.authTag,
		AuthTagLen: c.authTag.tagLength(),
		KeyLen:     c.cipherKeyLength,
		SaltLen:    srtpSaltLength,
	}
	if c.role == roleInitiator {
		c.srtp.SelfKey, c.srtp.SelfSalt = srtpkeyi, srtpsalti
		c.srtp.PeerKey, c.srtp.PeerSalt = srtpkeyr, srtpsaltr
	} else {
		c.srtp.SelfKey, c.srtp.SelfSalt = srtpkeyr, srtpsaltr
		c.srtp.PeerKey, c.srtp.PeerSalt = srtpkeyi, srtpsalti
	}

	if c.keyAgreement.isDH() {
		// The session key, exported key and the next retained secret only
		// come out of a DH exchange, which runs on the main channel.
		if s.zrtpSess == nil {
			s.zrtpSess = kdf(c.hmacFn, c.s0, "ZRTP Session Key", c.kdfContext, c.hashLength)
			s.exportedKey = kdf(c.hmacFn, s.zrtpSess, "Exported key", c.kdfContext, c.hashLength)
		}
		c.newRS1 = kdf(c.hmacFn, c.s0, "retained secret", c.kdfContext, retainedSecretLength)

		sashash := kdf(c.hmacFn, c.s0, "SAS", c.kdfContext, 32)
		sasValue := binary.BigEndian.Uint32(sashash[:4])
		c.sasValue = renderSAS(c.sas, sasValue)
		s.sasString = c.sasValue
	} else {
		// multistream channels inherit the SAS agreed on the main channel
		c.sasValue = s.sasString
	}
	c.srtp.SAS = c.sasValue
	c.srtp.CacheMismatch = s.cacheMismatch

	return nil
}
