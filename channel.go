// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"bytes"
	"io"

	"github.com/lanikai/zrtp/internal/crypto"
)

type role uint8

const (
	roleInitiator role = iota
	roleResponder
)

func (r role) String() string {
	if r == roleResponder {
		return "responder"
	}
	return "initiator"
}

// Storage slots for the messages that later packets authenticate by MAC or
// fold into total_hash. Hello must stay in slot 0 and GoClear last: a GoClear
// wipes the slots between them.
const (
	slotHello = iota
	slotCommit
	slotDHPart
	slotConfirm
	slotGoClear
	storageCapacity
)

// storedPacket keeps a received message verbatim (header included, CRC and
// packet header stripped) together with its parsed form. Later packets
// authenticate earlier ones over exactly these bytes.
type storedPacket struct {
	typ     msgType
	message []byte
	data    interface{}
}

// Retransmission timing from RFC 6189 section 6.
const (
	helloBaseStep  = 50
	helloCapStep   = 200
	helloMaxresend = 20

	nonHelloBaseStep  = 150
	nonHelloCapStep   = 1200
	nonHelloMaxResend = 10

	clearACKBaseStep  = 5000
	clearACKMaxResend = 20
)

// timer drives retransmissions. It is pure data consulted on Session.Tick;
// there is no timer goroutine.
type timer struct {
	on         bool
	firingTime uint64 // ms; fires when now >= firingTime
	count      int    // number of times the timer fired
	step       int    // ms between fires, doubled up to a cap
}

func (t *timer) start(now uint64, step int) {
	t.on = true
	t.firingTime = now + uint64(step)
	t.count = 0
	t.step = step
}

func (t *timer) stop() {
	t.on = false
}

// backoff reschedules the timer after a fire, doubling the step up to capStep.
// It reports false once maxCount fires have happened, leaving the timer off.
func (t *timer) backoff(now uint64, capStep, maxCount int) bool {
	if t.count > maxCount {
		t.on = false
		return false
	}
	if 2*t.step <= capStep {
		t.step *= 2
	}
	t.firingTime = now + uint64(t.step)
	return true
}

// Channel is the per-media-stream protocol endpoint. One session owns up to
// 64 of them; the first (main) channel runs the key exchange, later ones key
// themselves from ZRTPSess in multistream mode.
type Channel struct {
	tag      interface{}
	selfSSRC uint32
	peerSSRC uint32

	role  role
	state stateFunc
	timer timer

	isSecure      bool
	isMain        bool
	isClear       bool
	receivedClear bool
	started       bool

	// Hash chain commitments: selfH[0] is drawn at channel creation,
	// selfH[n] = SHA-256(selfH[n-1]). Peer images fill in as they are
	// revealed, highest first.
	selfH    [4][32]byte
	peerH    [4][32]byte
	peerHSet [4]bool

	selfPackets [storageCapacity]*sentPacket
	peerPackets [storageCapacity]*storedPacket

	// SHA-256 of the peer's Hello message, when provided through signaling.
	peerHelloHash []byte

	selfSeq       uint16
	selfMessageID uint16
	peerSeq       uint16
	peerSeqValid  bool

	reassembly reassembly

	// negotiated algorithms and the functions bound to them
	hash         HashAlgo
	cipher       CipherAlgo
	authTag      AuthTagAlgo
	keyAgreement KeyAgreement
	sas          SASAlgo

	hashLength      int
	cipherKeyLength int

	hashFn    func(data ...[]byte) []byte
	hmacFn    func(key, data []byte, n int) []byte
	encryptFn func(key, iv, in []byte) ([]byte, error)
	decryptFn func(key, iv, in []byte) ([]byte, error)

	// derived keys
	s0         []byte
	kdfContext []byte
	mackeyi    []byte
	mackeyr    []byte
	zrtpkeyi   []byte
	zrtpkeyr   []byte
	srtp       SRTPSecrets
	sasValue   string
	newRS1     []byte

	// channel-scoped cached-secret IDs; the aux secret is keyed by H3 images
	// so it cannot live on the session like the other three
	initiatorAuxID [8]byte
	responderAuxID [8]byte

	peerV bool // peer's SAS-verified flag from its Confirm
}

func newChannel(rand io.Reader, tag interface{}, ssrc uint32, main bool) (*Channel, error) {
	c := &Channel{
		tag:      tag,
		selfSSRC: ssrc,
		role:     roleInitiator,
		isMain:   main,
		state:    stateDiscoveryInit,
	}

	if _, err := io.ReadFull(rand, c.selfH[0][:]); err != nil {
		return nil, errCryptoFailure
	}
	for i := 1; i < 4; i++ {
		copy(c.selfH[i][:], crypto.SHA256(c.selfH[i-1][:]))
	}

	var seq [2]byte
	if _, err := io.ReadFull(rand, seq[:]); err != nil {
		return nil, errCryptoFailure
	}
	// keep the initial sequence number low enough that a handshake cannot
	// wrap the 16-bit counter
	c.selfSeq = (uint16(seq[0])&0x7F)<<8 | uint16(seq[1]) | 1

	return c, nil
}

func (c *Channel) selfStored(slot int) *sentPacket   { return c.selfPackets[slot] }
func (c *Channel) peerStored(slot int) *storedPacket { return c.peerPackets[slot] }

// storePeer keeps an accepted message for later MAC verification and
// total_hash computation.
func (c *Channel) storePeer(slot int, pkt *inboundPacket, data interface{}) {
	c.peerPackets[slot] = &storedPacket{typ: pkt.typ, message: pkt.message, data: data}
}

// setPeerH records a newly revealed peer hash image.
func (c *Channel) setPeerH(n int, h []byte) {
	copy(c.peerH[n][:], h)
	c.peerHSet[n] = true
}

// accept marks a checked packet as consumed, advancing the peer sequence
// number gate.
func (c *Channel) accept(pkt *inboundPacket) {
	c.peerSeq = pkt.seq
	c.peerSeqValid = true
}

// sameBytes reports whether an incoming message is a byte-identical
// repetition of a stored one. Comparison excludes nothing: the stored bytes
// already lack the packet header, whose sequence number legitimately changes.
func sameBytes(pkt *inboundPacket, stored *storedPacket) bool {
	return stored != nil && bytes.Equal(pkt.message, stored.message)
}

// bindAlgorithms resolves the negotiated identifiers into lengths and
// function values.
func (c *Channel) bindAlgorithms() {
	c.hashLength = c.hash.length()
	c.cipherKeyLength = c.cipher.keyLength()

	switch c.hash {
	case HashS384:
		c.hashFn = crypto.SHA384
		c.hmacFn = crypto.HMACSHA384
	default:
		c.hashFn = crypto.SHA256
		c.hmacFn = crypto.HMACSHA256
	}

	switch c.cipher {
	case Cipher2FS1, Cipher2FS3:
		c.encryptFn = crypto.TwofishCFBEncrypt
		c.decryptFn = crypto.TwofishCFBDecrypt
	default:
		c.encryptFn = crypto.AESCFBEncrypt
		c.decryptFn = crypto.AESCFBDecrypt
	}
}

// clearNegotiationState drops the stored Commit/DHPart/Confirm messages and
// wipes the keys derived on this channel. Used when a GoClear takes the
// channel back to clear media before a possible re-commit. The Hello and
// GoClear slots survive: the Hellos anchor a later re-commit, and the peer's
// GoClear must stay matchable so its repetitions still earn a ClearACK.
func (c *Channel) clearNegotiationState() {
	for slot := slotCommit; slot <= slotConfirm; slot++ {
		c.selfPackets[slot] = nil
		c.peerPackets[slot] = nil
	}
	c.wipeKeys()
	c.isSecure = false
}

// wipeKeys zeroises every piece of key material the channel holds.
func (c *Channel) wipeKeys() {
	crypto.Wipe(c.s0)
	crypto.Wipe(c.mackeyi)
	crypto.Wipe(c.mackeyr)
	crypto.Wipe(c.zrtpkeyi)
	crypto.Wipe(c.zrtpkeyr)
	crypto.Wipe(c.kdfContext)
	crypto.Wipe(c.newRS1)
	c.s0 = nil
	c.mackeyi = nil
	c.mackeyr = nil
	c.zrtpkeyi = nil
	c.zrtpkeyr = nil
	c.kdfContext = nil
	c.newRS1 = nil
	c.srtp.wipe()
}

// destroy wipes all secrets, the hash chain included.
func (c *Channel) destroy() {
	c.wipeKeys()
	for i := range c.selfH {
		crypto.Wipe(c.selfH[i][:])
	}
	c.state = nil
}

func wipe(b []byte) { crypto.Wipe(b) }
