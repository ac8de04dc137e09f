// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/zrtp/internal/crypto"
)

// helper: a channel with default algorithms bound, outside any session.
func boundChannel(t *testing.T, ssrc uint32) *Channel {
	t.Helper()
	c, err := newChannel(rand.Reader, nil, ssrc, true)
	require.NoError(t, err)
	c.hash = HashS256
	c.cipher = CipherAES1
	c.authTag = AuthTagHS32
	c.keyAgreement = KeyAgreementDH3k
	c.sas = SASB32
	c.bindAlgorithms()
	return c
}

func storedFrom(typ msgType, message []byte, data interface{}) *storedPacket {
	return &storedPacket{typ: typ, message: message, data: data}
}

func makeHello(c *Channel) *helloMessage {
	m := &helloMessage{
		version:       protocolVersion,
		clientID:      clientIdentifier,
		hashes:        []HashAlgo{HashS256, HashS384},
		ciphers:       []CipherAlgo{CipherAES1, CipherAES3},
		authTags:      []AuthTagAlgo{AuthTagHS32},
		keyAgreements: []KeyAgreement{KeyAgreementDH3k, KeyAgreementMult},
		sases:         []SASAlgo{SASB32},
	}
	m.h3 = c.selfH[3]
	copy(m.zid[:], []byte("abcdefghijkl"))
	return m
}

func TestHelloRoundTrip(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)

	m := makeHello(c1)
	m.mitm = true
	message, err := m.marshal(c1)
	require.NoError(t, err)
	assert.Equal(t, m.length(), len(message))

	parsed, err := c2.parseHello(message)
	require.NoError(t, err)
	assert.Equal(t, m.version, parsed.version)
	assert.Equal(t, m.clientID, parsed.clientID)
	assert.Equal(t, m.h3, parsed.h3)
	assert.Equal(t, m.zid, parsed.zid)
	assert.True(t, parsed.mitm)
	assert.False(t, parsed.signed)
	assert.Equal(t, m.hashes, parsed.hashes)
	assert.Equal(t, m.ciphers, parsed.ciphers)
	assert.Equal(t, m.authTags, parsed.authTags)
	assert.Equal(t, m.keyAgreements, parsed.keyAgreements)
	assert.Equal(t, m.sases, parsed.sases)
	assert.Equal(t, m.mac, parsed.mac)
}

func TestHelloHashPinning(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)

	message, err := makeHello(c1).marshal(c1)
	require.NoError(t, err)

	c2.peerHelloHash = crypto.SHA256(message)
	_, err = c2.parseHello(message)
	assert.NoError(t, err)

	c2.peerHelloHash = make([]byte, 32)
	_, err = c2.parseHello(message)
	assert.Equal(t, errHelloHashMismatch, err)
}

// wires c1's Hello into c2 as its stored peer Hello.
func exchangeHello(t *testing.T, c1, c2 *Channel) {
	t.Helper()
	m := makeHello(c1)
	message, err := m.marshal(c1)
	require.NoError(t, err)
	parsed, err := c2.parseHello(message)
	require.NoError(t, err)
	c2.peerPackets[slotHello] = storedFrom(msgTypeHello, message, parsed)
	c2.setPeerH(3, parsed.h3[:])
}

func TestCommitRoundTripVerifiesChain(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)
	exchangeHello(t, c1, c2)

	m := &commitMessage{
		hash:         HashS256,
		cipher:       CipherAES1,
		authTag:      AuthTagHS32,
		keyAgreement: KeyAgreementDH3k,
		sas:          SASB32,
	}
	m.h2 = c1.selfH[2]
	copy(m.zid[:], []byte("abcdefghijkl"))
	io.ReadFull(rand.Reader, m.hvi[:])

	message, err := m.marshal(c1)
	require.NoError(t, err)
	assert.Equal(t, commitFixedLength+32, len(message))

	parsed, err := c2.parseCommit(message)
	require.NoError(t, err)
	assert.Equal(t, m.h2, parsed.h2)
	assert.Equal(t, m.hvi, parsed.hvi)
	assert.Equal(t, KeyAgreementDH3k, parsed.keyAgreement)

	// a Commit whose H2 does not hash to the Hello's H3 must be refused
	bad := append([]byte(nil), message...)
	bad[msgHeaderLength] ^= 0xFF
	_, err = c2.parseCommit(bad)
	assert.Equal(t, errHashChainMismatch, err)
}

func TestCommitMultistreamRoundTrip(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)
	exchangeHello(t, c1, c2)

	m := &commitMessage{
		hash:         HashS256,
		cipher:       CipherAES1,
		authTag:      AuthTagHS32,
		keyAgreement: KeyAgreementMult,
		sas:          SASB32,
	}
	m.h2 = c1.selfH[2]
	io.ReadFull(rand.Reader, m.nonce[:])

	message, err := m.marshal(c1)
	require.NoError(t, err)
	assert.Equal(t, commitFixedLength+16, len(message))

	parsed, err := c2.parseCommit(message)
	require.NoError(t, err)
	assert.Equal(t, m.nonce, parsed.nonce)
}

func TestCommitRejectsBadMAC(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)
	exchangeHello(t, c1, c2)

	// corrupt a stored Hello byte: the MAC keyed by the revealed H2 must
	// now fail over the stored bytes
	stored := c2.peerStored(slotHello)
	stored.message[16] ^= 0xFF

	m := &commitMessage{hash: HashS256, cipher: CipherAES1, authTag: AuthTagHS32,
		keyAgreement: KeyAgreementDH3k, sas: SASB32}
	m.h2 = c1.selfH[2]
	message, err := m.marshal(c1)
	require.NoError(t, err)

	_, err = c2.parseCommit(message)
	assert.Equal(t, errMACMismatch, err)
}

func TestDHPartRoundTrip(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)
	exchangeHello(t, c1, c2)
	c2.role = roleInitiator // receives a DHPart1

	m := new(dhPartMessage)
	m.h1 = c1.selfH[1]
	io.ReadFull(rand.Reader, m.rs1ID[:])
	io.ReadFull(rand.Reader, m.rs2ID[:])
	io.ReadFull(rand.Reader, m.auxSecretID[:])
	io.ReadFull(rand.Reader, m.pbxSecretID[:])
	m.pv = make([]byte, 384)
	io.ReadFull(rand.Reader, m.pv)

	message, err := m.marshal(c1, msgTypeDHPart1)
	require.NoError(t, err)
	assert.Equal(t, dhPartFixedLength+384, len(message))

	parsed, err := c2.parseDHPart(msgTypeDHPart1, message)
	require.NoError(t, err)
	assert.Equal(t, m.h1, parsed.h1)
	assert.Equal(t, m.rs1ID, parsed.rs1ID)
	assert.Equal(t, m.auxSecretID, parsed.auxSecretID)
	assert.Equal(t, m.pv, parsed.pv)

	// wrong pv size for the negotiated agreement
	_, err = c2.parseDHPart(msgTypeDHPart1, message[:dhPartFixedLength+32])
	assert.Equal(t, errInvalidMessage, err)
}

func TestConfirmRoundTrip(t *testing.T) {
	c1 := boundChannel(t, 1)
	c2 := boundChannel(t, 2)
	exchangeHello(t, c1, c2)

	// multistream keying, so the hash chain closes over the Hello
	c1.keyAgreement = KeyAgreementMult
	c2.keyAgreement = KeyAgreementMult
	c1.role = roleResponder
	c2.role = roleInitiator

	key := make([]byte, 16)
	macKey := make([]byte, 32)
	io.ReadFull(rand.Reader, key)
	io.ReadFull(rand.Reader, macKey)
	c2.zrtpkeyr = key
	c2.mackeyr = macKey

	m := &confirmMessage{v: true, a: true, cacheExpiration: 0xFFFFFFFF}
	m.h0 = c1.selfH[0]
	io.ReadFull(rand.Reader, m.iv[:])

	message, err := m.marshal(c1, msgTypeConfirm1, key, macKey)
	require.NoError(t, err)
	assert.Equal(t, confirmFixedLength, len(message))

	parsed, err := c2.parseConfirm(msgTypeConfirm1, message)
	require.NoError(t, err)
	assert.Equal(t, m.h0, parsed.h0)
	assert.True(t, parsed.v)
	assert.True(t, parsed.a)
	assert.False(t, parsed.e)
	assert.EqualValues(t, 0, parsed.sigLen)
	assert.EqualValues(t, 0xFFFFFFFF, parsed.cacheExpiration)

	// flip one ciphertext bit: the confirm MAC must catch it
	bad := append([]byte(nil), message...)
	bad[len(bad)-1] ^= 0x01
	_, err = c2.parseConfirm(msgTypeConfirm1, bad)
	assert.Equal(t, errConfirmMACMismatch, err)
}

func TestBareMessageLengths(t *testing.T) {
	for typ, want := range map[msgType]int{
		msgTypeHelloACK: helloACKLength,
		msgTypeConf2ACK: conf2ACKLength,
		msgTypeErrorACK: errorACKLength,
		msgTypeClearACK: clearACKLength,
	} {
		message, err := marshalBare(typ)
		require.NoError(t, err)
		assert.Equal(t, want, len(message), "%v", typ)
		assert.Equal(t, tagToMsgType(message[4:12]), typ)
	}
}

func TestPingACKRoundTrip(t *testing.T) {
	ping := &pingACKMessage{version: protocolVersion, ssrc: 0xDEADBEEF}
	copy(ping.endpointHash[:], []byte("selfhash"))
	copy(ping.endpointHashReceived[:], []byte("peerhash"))

	message, err := ping.marshal()
	require.NoError(t, err)
	assert.Equal(t, pingACKLength, len(message))
}

func TestErrorMessageRoundTrip(t *testing.T) {
	m := &errorMessage{code: 0x51}
	message, err := m.marshal()
	require.NoError(t, err)

	parsed, err := parseError(message)
	require.NoError(t, err)
	assert.EqualValues(t, 0x51, parsed.code)
}
