// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"bytes"

	"github.com/lanikai/zrtp/internal/crypto"
	"github.com/lanikai/zrtp/internal/packet"
)

// ZRTP message types, identified on the wire by an 8-character ASCII tag.
type msgType int

const (
	msgTypeInvalid msgType = iota
	msgTypeHello
	msgTypeHelloACK
	msgTypeCommit
	msgTypeDHPart1
	msgTypeDHPart2
	msgTypeConfirm1
	msgTypeConfirm2
	msgTypeConf2ACK
	msgTypeError
	msgTypeErrorACK
	msgTypeGoClear
	msgTypeClearACK
	msgTypeSASRelay
	msgTypeRelayACK
	msgTypePing
	msgTypePingACK
)

var msgTypeTags = map[msgType]string{
	msgTypeHello:    "Hello   ",
	msgTypeHelloACK: "HelloACK",
	msgTypeCommit:   "Commit  ",
	msgTypeDHPart1:  "DHPart1 ",
	msgTypeDHPart2:  "DHPart2 ",
	msgTypeConfirm1: "Confirm1",
	msgTypeConfirm2: "Confirm2",
	msgTypeConf2ACK: "Conf2ACK",
	msgTypeError:    "Error   ",
	msgTypeErrorACK: "ErrorACK",
	msgTypeGoClear:  "GoClear ",
	msgTypeClearACK: "ClearACK",
	msgTypeSASRelay: "SASrelay",
	msgTypeRelayACK: "RelayACK",
	msgTypePing:     "Ping    ",
	msgTypePingACK:  "PingACK ",
}

func (t msgType) String() string {
	if tag, ok := msgTypeTags[t]; ok {
		return tag
	}
	return "????????"
}

func tagToMsgType(tag []byte) msgType {
	for t, s := range msgTypeTags {
		if string(tag) == s {
			return t
		}
	}
	return msgTypeInvalid
}

// Fixed message lengths in bytes, message header included. Variable parts
// (algorithm lists, public values, signatures) come on top.
const (
	msgHeaderLength = 12

	helloFixedLength    = 88
	helloACKLength      = 12
	commitFixedLength   = 84
	dhPartFixedLength   = 84
	confirmFixedLength  = 76
	conf2ACKLength      = 12
	errorMsgLength      = 16
	errorACKLength      = 12
	goClearLength       = 20
	clearACKLength      = 12
	pingLength          = 24
	pingACKLength       = 36

	messageMACLength = 8
)

const (
	protocolVersion  = "1.10"
	clientIdentifier = "Lanikai ZRTP 1.1"
)

// messagePreamble starts every ZRTP message.
var messagePreamble = []byte{0x50, 0x5a}

func writeMessageHeader(w *packet.Writer, length int, typ msgType) {
	w.WriteSlice(messagePreamble)
	w.WriteUint16(uint16(length / 4)) // length travels in 32-bit words
	w.WriteString(typ.String())
}

// ---------------------------------------------------------------------------
// Hello

type helloMessage struct {
	version  string
	clientID string
	h3       [32]byte
	zid      ZID
	signed   bool // S: can parse signatures
	mitm     bool // M: is a PBX
	passive  bool // P: never sends Commit

	hashes        []HashAlgo
	ciphers       []CipherAlgo
	authTags      []AuthTagAlgo
	keyAgreements []KeyAgreement
	sases         []SASAlgo

	mac [8]byte
}

func (m *helloMessage) length() int {
	return helloFixedLength + 4*(len(m.hashes)+len(m.ciphers)+len(m.authTags)+len(m.keyAgreements)+len(m.sases))
}

// marshal serialises the message with its trailing MAC keyed by H2.
func (m *helloMessage) marshal(c *Channel) ([]byte, error) {
	w := packet.NewWriterSize(m.length())
	writeMessageHeader(w, m.length(), msgTypeHello)
	w.WriteString(m.version)
	w.WriteString(m.clientID)
	w.WriteSlice(m.h3[:])
	w.WriteSlice(m.zid[:])
	var flags byte
	if m.signed {
		flags |= 0x40
	}
	if m.mitm {
		flags |= 0x20
	}
	if m.passive {
		flags |= 0x10
	}
	w.WriteByte(flags)
	w.WriteByte(byte(len(m.hashes)) & 0x0F)
	w.WriteByte(byte(len(m.ciphers))<<4 | byte(len(m.authTags))&0x0F)
	w.WriteByte(byte(len(m.keyAgreements))<<4 | byte(len(m.sases))&0x0F)
	for _, a := range m.hashes {
		w.WriteString(a.String())
	}
	for _, a := range m.ciphers {
		w.WriteString(a.String())
	}
	for _, a := range m.authTags {
		w.WriteString(a.String())
	}
	for _, a := range m.keyAgreements {
		w.WriteString(a.String())
	}
	for _, a := range m.sases {
		w.WriteString(a.String())
	}

	mac := crypto.HMACSHA256(c.selfH[2][:], w.Bytes(), messageMACLength)
	copy(m.mac[:], mac)
	w.WriteSlice(mac)
	return w.Bytes(), nil
}

// parseHello decodes a Hello message. When a peer Hello hash was provided
// through signaling, the message is checked against it first.
func (c *Channel) parseHello(msg []byte) (*helloMessage, error) {
	if c.peerHelloHash != nil {
		if !bytes.Equal(crypto.SHA256(msg), c.peerHelloHash) {
			return nil, errHelloHashMismatch
		}
	}

	r := packet.NewReader(msg[msgHeaderLength:])
	if err := r.CheckRemaining(helloFixedLength - msgHeaderLength); err != nil {
		return nil, errInvalidMessage
	}

	m := &helloMessage{
		version:  r.ReadString(4),
		clientID: r.ReadString(16),
	}
	copy(m.h3[:], r.ReadSlice(32))
	copy(m.zid[:], r.ReadSlice(12))
	flags := r.ReadByte()
	m.signed = flags&0x40 != 0
	m.mitm = flags&0x20 != 0
	m.passive = flags&0x10 != 0
	hc := clampCount(r.ReadByte() & 0x0F)
	b := r.ReadByte()
	cc := clampCount(b >> 4)
	ac := clampCount(b & 0x0F)
	b = r.ReadByte()
	kc := clampCount(b >> 4)
	sc := clampCount(b & 0x0F)

	if len(msg) != helloFixedLength+4*int(hc+cc+ac+kc+sc) {
		return nil, errInvalidMessage
	}

	for i := 0; i < int(hc); i++ {
		m.hashes = append(m.hashes, tagToHash(r.ReadString(4)))
	}
	for i := 0; i < int(cc); i++ {
		m.ciphers = append(m.ciphers, tagToCipher(r.ReadString(4)))
	}
	for i := 0; i < int(ac); i++ {
		m.authTags = append(m.authTags, tagToAuthTag(r.ReadString(4)))
	}
	for i := 0; i < int(kc); i++ {
		m.keyAgreements = append(m.keyAgreements, tagToKeyAgreement(r.ReadString(4)))
	}
	for i := 0; i < int(sc); i++ {
		m.sases = append(m.sases, tagToSAS(r.ReadString(4)))
	}
	copy(m.mac[:], r.ReadSlice(8))
	return m, nil
}

func clampCount(c byte) byte {
	if c > maxMenuEntries {
		return maxMenuEntries
	}
	return c
}

// ---------------------------------------------------------------------------
// Commit

type commitMessage struct {
	h2           [32]byte
	zid          ZID
	hash         HashAlgo
	cipher       CipherAlgo
	authTag      AuthTagAlgo
	keyAgreement KeyAgreement
	sas          SASAlgo

	hvi [32]byte // DH modes
	pv  []byte   // KEM modes: public key

	nonce [16]byte // multistream and preshared
	keyID [8]byte  // preshared only

	mac [8]byte
}

func (m *commitMessage) length() int {
	return commitFixedLength + m.keyAgreement.commitVariableLength()
}

func (m *commitMessage) marshal(c *Channel) ([]byte, error) {
	w := packet.NewWriterSize(m.length())
	writeMessageHeader(w, m.length(), msgTypeCommit)
	w.WriteSlice(m.h2[:])
	w.WriteSlice(m.zid[:])
	w.WriteString(m.hash.String())
	w.WriteString(m.cipher.String())
	w.WriteString(m.authTag.String())
	w.WriteString(m.keyAgreement.String())
	w.WriteString(m.sas.String())

	switch m.keyAgreement {
	case KeyAgreementMult:
		w.WriteSlice(m.nonce[:])
	case KeyAgreementPrsh:
		w.WriteSlice(m.nonce[:])
		w.WriteSlice(m.keyID[:])
	default:
		w.WriteSlice(m.hvi[:])
		if m.keyAgreement.isKEM() {
			if len(m.pv) != m.keyAgreement.publicValueLength(msgTypeCommit) {
				return nil, errBuilderFailure
			}
			w.WriteSlice(m.pv)
		}
	}

	mac := crypto.HMACSHA256(c.selfH[1][:], w.Bytes(), messageMACLength)
	copy(m.mac[:], mac)
	w.WriteSlice(mac)
	return w.Bytes(), nil
}

// parseCommit decodes a Commit and verifies the peer's hash chain: the
// revealed H2 must hash to the H3 from the stored Hello, whose MAC must now
// verify under H2.
func (c *Channel) parseCommit(msg []byte) (*commitMessage, error) {
	r := packet.NewReader(msg[msgHeaderLength:])
	if err := r.CheckRemaining(commitFixedLength - msgHeaderLength); err != nil {
		return nil, errInvalidMessage
	}

	m := new(commitMessage)
	copy(m.h2[:], r.ReadSlice(32))

	peerHello := c.peerStored(slotHello)
	if peerHello == nil {
		return nil, errUnexpectedMessage
	}
	hello := peerHello.data.(*helloMessage)
	if !bytes.Equal(crypto.SHA256(m.h2[:]), hello.h3[:]) {
		return nil, errHashChainMismatch
	}
	if !c.verifyStoredMAC(peerHello, m.h2[:], hello.mac[:]) {
		return nil, errMACMismatch
	}

	copy(m.zid[:], r.ReadSlice(12))
	m.hash = tagToHash(r.ReadString(4))
	m.cipher = tagToCipher(r.ReadString(4))
	m.authTag = tagToAuthTag(r.ReadString(4))
	m.keyAgreement = tagToKeyAgreement(r.ReadString(4))
	if m.keyAgreement == KeyAgreementNone {
		return nil, errInvalidMessage
	}
	if len(msg) != commitFixedLength+m.keyAgreement.commitVariableLength() {
		return nil, errInvalidMessage
	}
	m.sas = tagToSAS(r.ReadString(4))

	switch m.keyAgreement {
	case KeyAgreementMult:
		copy(m.nonce[:], r.ReadSlice(16))
	case KeyAgreementPrsh:
		copy(m.nonce[:], r.ReadSlice(16))
		copy(m.keyID[:], r.ReadSlice(8))
	default:
		copy(m.hvi[:], r.ReadSlice(32))
		if m.keyAgreement.isKEM() {
			m.pv = r.ReadCopy(m.keyAgreement.publicValueLength(msgTypeCommit))
		}
	}
	copy(m.mac[:], r.ReadSlice(8))
	return m, nil
}

// ---------------------------------------------------------------------------
// DHPart1 / DHPart2

type dhPartMessage struct {
	h1          [32]byte
	rs1ID       [8]byte
	rs2ID       [8]byte
	auxSecretID [8]byte
	pbxSecretID [8]byte
	pv          []byte
	mac         [8]byte
}

func (m *dhPartMessage) length() int {
	return dhPartFixedLength + len(m.pv)
}

func (m *dhPartMessage) marshal(c *Channel, typ msgType) ([]byte, error) {
	if len(m.pv) != c.keyAgreement.publicValueLength(typ) {
		return nil, errBuilderFailure
	}
	w := packet.NewWriterSize(m.length())
	writeMessageHeader(w, m.length(), typ)
	w.WriteSlice(m.h1[:])
	w.WriteSlice(m.rs1ID[:])
	w.WriteSlice(m.rs2ID[:])
	w.WriteSlice(m.auxSecretID[:])
	w.WriteSlice(m.pbxSecretID[:])
	w.WriteSlice(m.pv)

	mac := crypto.HMACSHA256(c.selfH[0][:], w.Bytes(), messageMACLength)
	copy(m.mac[:], mac)
	w.WriteSlice(mac)
	return w.Bytes(), nil
}

// parseDHPart decodes a DHPart message and walks the hash chain one more
// step. A responder checks the revealed H1 against the Commit's H2 and
// verifies the Commit MAC and hvi; an initiator never saw H2, so it checks
// H3 = H(H(H1)) against the Hello and verifies the Hello MAC.
func (c *Channel) parseDHPart(typ msgType, msg []byte) (*dhPartMessage, error) {
	pvLength := c.keyAgreement.publicValueLength(typ)
	if pvLength == 0 {
		return nil, errInvalidContext
	}
	if len(msg) != dhPartFixedLength+pvLength {
		return nil, errInvalidMessage
	}

	r := packet.NewReader(msg[msgHeaderLength:])
	m := new(dhPartMessage)
	copy(m.h1[:], r.ReadSlice(32))

	if c.role == roleResponder {
		peerCommit := c.peerStored(slotCommit)
		if peerCommit == nil {
			return nil, errUnexpectedMessage
		}
		commit := peerCommit.data.(*commitMessage)
		if !bytes.Equal(crypto.SHA256(m.h1[:]), commit.h2[:]) {
			return nil, errHashChainMismatch
		}
		if !c.verifyStoredMAC(peerCommit, m.h1[:], commit.mac[:]) {
			return nil, errMACMismatch
		}

		// The Commit pinned hvi = hash(DHPart2 || responder's Hello); now
		// that the DHPart2 is here, recompute and compare.
		selfHello := c.selfStored(slotHello)
		if selfHello == nil {
			return nil, errInvalidContext
		}
		hvi := c.hashFn(msg, selfHello.message)[:32]
		if !bytes.Equal(hvi, commit.hvi[:]) {
			return nil, errHviMismatch
		}
	} else {
		peerHello := c.peerStored(slotHello)
		if peerHello == nil {
			return nil, errUnexpectedMessage
		}
		hello := peerHello.data.(*helloMessage)
		h2 := crypto.SHA256(m.h1[:])
		if !bytes.Equal(crypto.SHA256(h2), hello.h3[:]) {
			return nil, errHashChainMismatch
		}
		if !c.verifyStoredMAC(peerHello, h2, hello.mac[:]) {
			return nil, errMACMismatch
		}
	}

	copy(m.rs1ID[:], r.ReadSlice(8))
	copy(m.rs2ID[:], r.ReadSlice(8))
	copy(m.auxSecretID[:], r.ReadSlice(8))
	copy(m.pbxSecretID[:], r.ReadSlice(8))
	m.pv = r.ReadCopy(pvLength)
	copy(m.mac[:], r.ReadSlice(8))
	return m, nil
}

// ---------------------------------------------------------------------------
// Confirm1 / Confirm2

type confirmMessage struct {
	confirmMAC [8]byte
	iv         [16]byte

	// encrypted part
	h0              [32]byte
	sigLen          uint16 // in words, includes the signature type block
	e, v, a, d      bool
	cacheExpiration uint32
	sigType         [4]byte
	signature       []byte
}

func (m *confirmMessage) length() int {
	return confirmFixedLength + 4*int(m.sigLen)
}

// marshal encrypts the body with the sender-role cipher key and prepends the
// confirm MAC computed over the ciphertext.
func (m *confirmMessage) marshal(c *Channel, typ msgType, cipherKey, macKey []byte) ([]byte, error) {
	plainLen := m.length() - msgHeaderLength - 24
	pw := packet.NewWriterSize(plainLen)
	pw.WriteSlice(m.h0[:])
	pw.WriteByte(0)
	pw.WriteByte(byte(m.sigLen >> 8 & 0x01))
	pw.WriteByte(byte(m.sigLen))
	var flags byte
	if m.e {
		flags |= 0x08
	}
	if m.v {
		flags |= 0x04
	}
	if m.a {
		flags |= 0x02
	}
	if m.d {
		flags |= 0x01
	}
	pw.WriteByte(flags)
	pw.WriteUint32(m.cacheExpiration)
	if m.sigLen > 0 {
		pw.WriteSlice(m.sigType[:])
		pw.WriteSlice(m.signature)
	}

	ciphertext, err := c.encryptFn(cipherKey, m.iv[:], pw.Bytes())
	crypto.Wipe(pw.Bytes())
	if err != nil {
		return nil, errCryptoFailure
	}

	w := packet.NewWriterSize(m.length())
	writeMessageHeader(w, m.length(), typ)
	mac := c.hmacFn(macKey, ciphertext, messageMACLength)
	copy(m.confirmMAC[:], mac)
	w.WriteSlice(mac)
	w.WriteSlice(m.iv[:])
	w.WriteSlice(ciphertext)
	return w.Bytes(), nil
}

// parseConfirm validates the confirm MAC, decrypts the body with the
// peer-role keys and finishes the hash chain: H0 is revealed here, and must
// connect to whatever earlier image we hold for this mode.
func (c *Channel) parseConfirm(typ msgType, msg []byte) (*confirmMessage, error) {
	if len(msg) < confirmFixedLength {
		return nil, errInvalidMessage
	}

	var cipherKey, macKey []byte
	if c.role == roleResponder {
		// the responder decrypts with the initiator's keys
		cipherKey, macKey = c.zrtpkeyi, c.mackeyi
	} else {
		cipherKey, macKey = c.zrtpkeyr, c.mackeyr
	}
	if cipherKey == nil || macKey == nil {
		return nil, errInvalidContext
	}

	r := packet.NewReader(msg[msgHeaderLength:])
	m := new(confirmMessage)
	copy(m.confirmMAC[:], r.ReadSlice(8))
	copy(m.iv[:], r.ReadSlice(16))

	ciphertext := r.ReadSlice(r.Remaining())
	mac := c.hmacFn(macKey, ciphertext, messageMACLength)
	if !crypto.EqualMAC(mac, m.confirmMAC[:]) {
		return nil, errConfirmMACMismatch
	}

	plain, err := c.decryptFn(cipherKey, m.iv[:], ciphertext)
	if err != nil {
		return nil, errCryptoFailure
	}
	defer crypto.Wipe(plain)

	if len(plain) < 40 { // H0 + unused byte + sig_len + flags + expiration
		return nil, errInvalidMessage
	}
	pr := packet.NewReader(plain)
	copy(m.h0[:], pr.ReadSlice(32))

	if err := c.verifyConfirmHashChain(m.h0[:]); err != nil {
		return nil, err
	}

	pr.Skip(1)
	m.sigLen = uint16(pr.ReadByte()&0x01)<<8 | uint16(pr.ReadByte())
	flags := pr.ReadByte()
	m.e = flags&0x08 != 0
	m.v = flags&0x04 != 0
	m.a = flags&0x02 != 0
	m.d = flags&0x01 != 0
	m.cacheExpiration = pr.ReadUint32()

	if m.sigLen > 0 {
		if pr.Remaining() < 4*int(m.sigLen) {
			return nil, errInvalidMessage
		}
		copy(m.sigType[:], pr.ReadSlice(4))
		m.signature = pr.ReadCopy(4 * (int(m.sigLen) - 1))
	}
	return m, nil
}

// verifyConfirmHashChain links the revealed H0 back to the stored peer
// commitments. In DH modes H1 arrived in the DHPart; in multistream and
// preshared modes no DHPart exists, so the chain is recomputed from H0 up to
// whatever the peer revealed (H2 in its Commit when we are responder, H3 in
// its Hello when we are initiator).
func (c *Channel) verifyConfirmHashChain(h0 []byte) error {
	h1 := crypto.SHA256(h0)
	if c.keyAgreement.isDH() {
		peerDHPart := c.peerStored(slotDHPart)
		if peerDHPart == nil {
			return errUnexpectedMessage
		}
		dhPart := peerDHPart.data.(*dhPartMessage)
		if !bytes.Equal(h1, dhPart.h1[:]) {
			return errHashChainMismatch
		}
		if !c.verifyStoredMAC(peerDHPart, h0, dhPart.mac[:]) {
			return errMACMismatch
		}
		return nil
	}

	if c.role == roleResponder {
		peerCommit := c.peerStored(slotCommit)
		if peerCommit == nil {
			return errUnexpectedMessage
		}
		commit := peerCommit.data.(*commitMessage)
		if !bytes.Equal(crypto.SHA256(h1), commit.h2[:]) {
			return errHashChainMismatch
		}
		if !c.verifyStoredMAC(peerCommit, h1, commit.mac[:]) {
			return errMACMismatch
		}
		return nil
	}

	peerHello := c.peerStored(slotHello)
	if peerHello == nil {
		return errUnexpectedMessage
	}
	hello := peerHello.data.(*helloMessage)
	h2 := crypto.SHA256(h1)
	if !bytes.Equal(crypto.SHA256(h2), hello.h3[:]) {
		return errHashChainMismatch
	}
	if !c.verifyStoredMAC(peerHello, h2, hello.mac[:]) {
		return errMACMismatch
	}
	return nil
}

// ---------------------------------------------------------------------------
// GoClear, Error, Ping, PingACK and the bare acknowledgements

type goClearMessage struct {
	clearMAC [8]byte
}

func (m *goClearMessage) marshal() ([]byte, error) {
	w := packet.NewWriterSize(goClearLength)
	writeMessageHeader(w, goClearLength, msgTypeGoClear)
	w.WriteSlice(m.clearMAC[:])
	return w.Bytes(), nil
}

func parseGoClear(msg []byte) (*goClearMessage, error) {
	if len(msg) != goClearLength {
		return nil, errInvalidMessage
	}
	m := new(goClearMessage)
	copy(m.clearMAC[:], msg[msgHeaderLength:])
	return m, nil
}

type errorMessage struct {
	code uint32
}

func (m *errorMessage) marshal() ([]byte, error) {
	w := packet.NewWriterSize(errorMsgLength)
	writeMessageHeader(w, errorMsgLength, msgTypeError)
	w.WriteUint32(m.code)
	return w.Bytes(), nil
}

func parseError(msg []byte) (*errorMessage, error) {
	if len(msg) != errorMsgLength {
		return nil, errInvalidMessage
	}
	return &errorMessage{code: packet.NewReader(msg[msgHeaderLength:]).ReadUint32()}, nil
}

type pingMessage struct {
	version      string
	endpointHash [8]byte
}

func parsePing(msg []byte) (*pingMessage, error) {
	if len(msg) != pingLength {
		return nil, errInvalidMessage
	}
	r := packet.NewReader(msg[msgHeaderLength:])
	m := &pingMessage{version: r.ReadString(4)}
	copy(m.endpointHash[:], r.ReadSlice(8))
	return m, nil
}

type pingACKMessage struct {
	version              string
	endpointHash         [8]byte
	endpointHashReceived [8]byte
	ssrc                 uint32
}

func (m *pingACKMessage) marshal() ([]byte, error) {
	w := packet.NewWriterSize(pingACKLength)
	writeMessageHeader(w, pingACKLength, msgTypePingACK)
	w.WriteString(m.version)
	w.WriteSlice(m.endpointHash[:])
	w.WriteSlice(m.endpointHashReceived[:])
	w.WriteUint32(m.ssrc)
	return w.Bytes(), nil
}

// marshalBare serialises a message that carries nothing but its type.
func marshalBare(typ msgType) ([]byte, error) {
	var length int
	switch typ {
	case msgTypeHelloACK:
		length = helloACKLength
	case msgTypeConf2ACK:
		length = conf2ACKLength
	case msgTypeErrorACK:
		length = errorACKLength
	case msgTypeClearACK:
		length = clearACKLength
	default:
		return nil, errBuilderFailure
	}
	w := packet.NewWriterSize(length)
	writeMessageHeader(w, length, typ)
	return w.Bytes(), nil
}

// verifyStoredMAC recomputes the implicit HMAC over a stored message, keyed
// by a just-revealed hash image, and compares it with the MAC the message
// carried. The MAC covers the message except its trailing 8 bytes.
func (c *Channel) verifyStoredMAC(p *storedPacket, key, mac []byte) bool {
	msg := p.message
	sum := crypto.HMACSHA256(key, msg[:len(msg)-messageMACLength], messageMACLength)
	return crypto.EqualMAC(sum, mac)
}
