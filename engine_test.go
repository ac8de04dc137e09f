// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// End to end exercises: two sessions wired back to back through an in-memory
// transport, driven by explicit ticks. The harness delivers every queued
// packet each round, so crossing messages (simultaneous Hellos and Commits)
// happen naturally.

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/zrtp/internal/packet"
	"github.com/lanikai/zrtp/zidcache"
)

type inboxItem struct {
	idx  int
	data []byte
}

type party struct {
	t    *testing.T
	name string
	s    *Session
	peer *party

	ssrcBase uint32
	inbox    []inboxItem

	secrets  map[int]*SRTPSecrets
	sas      map[int]string
	verified map[int]bool
	statuses []StatusCode

	// dropOutbound, when set, discards an outgoing packet before it reaches
	// the peer
	dropOutbound func(idx int, data []byte) bool

	sent [][]byte
}

func newParty(t *testing.T, name string, ssrcBase uint32, config Config) *party {
	p := &party{
		t:        t,
		name:     name,
		ssrcBase: ssrcBase,
		secrets:  make(map[int]*SRTPSecrets),
		sas:      make(map[int]string),
		verified: make(map[int]bool),
	}
	config.Callbacks = Callbacks{
		Send: func(tag interface{}, data []byte) int {
			idx := tag.(int)
			cp := append([]byte(nil), data...)
			p.sent = append(p.sent, cp)
			if p.dropOutbound != nil && p.dropOutbound(idx, cp) {
				return len(data)
			}
			if p.peer != nil {
				p.peer.inbox = append(p.peer.inbox, inboxItem{idx, cp})
			}
			return len(data)
		},
		SRTPSecretsAvailable: func(tag interface{}, secrets *SRTPSecrets) {
			p.secrets[tag.(int)] = secrets
		},
		StartSRTP: func(tag interface{}, sas string, verified bool) {
			p.sas[tag.(int)] = sas
			p.verified[tag.(int)] = verified
		},
		Status: func(tag interface{}, severity Severity, code StatusCode) {
			p.statuses = append(p.statuses, code)
		},
	}
	s, err := NewSession(config)
	require.NoError(t, err)
	p.s = s
	return p
}

func newPair(t *testing.T, aliceConfig, bobConfig Config) (*party, *party) {
	alice := newParty(t, "alice", 0xA0000000, aliceConfig)
	bob := newParty(t, "bob", 0xB0000000, bobConfig)
	alice.peer = bob
	bob.peer = alice
	return alice, bob
}

func (p *party) ssrc(idx int) uint32 { return p.ssrcBase + uint32(idx) }

func (p *party) addAndStart(idx int) {
	_, err := p.s.AddChannel(idx, p.ssrc(idx))
	require.NoError(p.t, err)
	require.NoError(p.t, p.s.StartChannel(p.ssrc(idx)))
}

func (p *party) hasStatus(code StatusCode) bool {
	for _, c := range p.statuses {
		if c == code {
			return true
		}
	}
	return false
}

// pump ticks both sessions and shuttles packets until the condition holds.
func pump(t *testing.T, alice, bob *party, until func() bool) bool {
	t.Helper()
	now := uint64(0)
	for i := 0; i < 2000; i++ {
		if until() {
			return true
		}
		now += 10
		alice.s.Tick(now)
		bob.s.Tick(now)
		for len(alice.inbox)+len(bob.inbox) > 0 {
			for _, p := range []*party{alice, bob} {
				if len(p.inbox) == 0 {
					continue
				}
				item := p.inbox[0]
				p.inbox = p.inbox[1:]
				// per-packet errors just mean a drop; the protocol recovers
				p.s.Deliver(p.ssrc(item.idx), item.data)
			}
		}
	}
	return until()
}

func bothSecure(alice, bob *party, idx int) func() bool {
	return func() bool {
		return alice.s.IsSecure(alice.ssrc(idx)) && bob.s.IsSecure(bob.ssrc(idx))
	}
}

func messageTag(data []byte) string {
	if len(data) < 24 || data[0] != 0x10 {
		return ""
	}
	return string(data[16:24])
}

func assertMirroredSecrets(t *testing.T, alice, bob *party, idx int) {
	t.Helper()
	as, bs := alice.secrets[idx], bob.secrets[idx]
	require.NotNil(t, as)
	require.NotNil(t, bs)
	assert.Equal(t, as.SelfKey, bs.PeerKey)
	assert.Equal(t, as.SelfSalt, bs.PeerSalt)
	assert.Equal(t, as.PeerKey, bs.SelfKey)
	assert.Equal(t, as.PeerSalt, bs.SelfSalt)
	assert.NotEqual(t, as.SelfKey, as.PeerKey)
	assert.Equal(t, alice.sas[idx], bob.sas[idx])
	assert.NotEmpty(t, alice.sas[idx])
}

func TestCleanDHExchange(t *testing.T) {
	aliceCache := zidcache.NewMemory(8)
	bobCache := zidcache.NewMemory(8)
	alice, bob := newPair(t,
		Config{Cache: aliceCache, KeyAgreements: []KeyAgreement{KeyAgreementDH3k, KeyAgreementMult}},
		Config{Cache: bobCache, KeyAgreements: []KeyAgreement{KeyAgreementDH3k, KeyAgreementMult}},
	)
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
	assertMirroredSecrets(t, alice, bob, 0)
	assert.Equal(t, 4, len(alice.sas[0])) // base32 SAS
	assert.Equal(t, alice.s.SAS(), bob.s.SAS())
	assert.Equal(t, alice.s.ExportedKey(), bob.s.ExportedKey())
	assert.False(t, alice.verified[0])

	// both caches now hold the same fresh rs1 for each other
	aliceRec, err := aliceCache.Lookup([12]byte(bob.s.selfZID))
	require.NoError(t, err)
	bobRec, err := bobCache.Lookup([12]byte(alice.s.selfZID))
	require.NoError(t, err)
	require.NotNil(t, aliceRec)
	require.NotNil(t, bobRec)
	assert.Equal(t, aliceRec.RS1, bobRec.RS1)
	assert.Equal(t, retainedSecretLength, len(aliceRec.RS1))
	assert.Nil(t, aliceRec.RS2)
}

func TestKeyContinuityAcrossSessions(t *testing.T) {
	aliceCache := zidcache.NewMemory(8)
	bobCache := zidcache.NewMemory(8)

	run := func() (string, string) {
		alice, bob := newPair(t, Config{Cache: aliceCache}, Config{Cache: bobCache})
		alice.addAndStart(0)
		bob.addAndStart(0)
		require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
		assert.False(t, alice.hasStatus(StatusCacheMismatch))
		assert.False(t, bob.hasStatus(StatusCacheMismatch))
		return alice.sas[0], bob.sas[0]
	}

	run()
	run() // second run matches rs1 from the first

	// after two successful sessions the rs2 slot is populated
	aliceRec, err := aliceCache.Lookup(peerZIDOf(t, bobCache))
	require.NoError(t, err)
	require.NotNil(t, aliceRec)
	assert.NotNil(t, aliceRec.RS2)
}

// peerZIDOf digs the endpoint ZID out of a cache.
func peerZIDOf(t *testing.T, cache *zidcache.Memory) [12]byte {
	zid, ok, err := cache.SelfZID()
	require.NoError(t, err)
	require.True(t, ok)
	return zid
}

func TestRetransmitThenDrop(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})

	helloDrops := 0
	alice.dropOutbound = func(idx int, data []byte) bool {
		if messageTag(data) == "Hello   " && helloDrops < 3 {
			helloDrops++
			return true
		}
		return false
	}

	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
	assert.Equal(t, 3, helloDrops)
	assertMirroredSecrets(t, alice, bob, 0)
}

func TestCommitContention(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	// both sides sent a Commit; exactly one yielded
	aliceChannel := alice.s.lookupChannel(alice.ssrc(0))
	bobChannel := bob.s.lookupChannel(bob.ssrc(0))
	assert.NotEqual(t, aliceChannel.role, bobChannel.role)

	// the responder sent a DHPart1, the initiator a DHPart2
	var aliceSentDHPart1, bobSentDHPart1 bool
	for _, data := range alice.sent {
		aliceSentDHPart1 = aliceSentDHPart1 || messageTag(data) == "DHPart1 "
	}
	for _, data := range bob.sent {
		bobSentDHPart1 = bobSentDHPart1 || messageTag(data) == "DHPart1 "
	}
	assert.NotEqual(t, aliceSentDHPart1, bobSentDHPart1)

	assertMirroredSecrets(t, alice, bob, 0)
}

func TestCacheMismatchContinuesToSecure(t *testing.T) {
	aliceZID := ZID{0xA1}
	bobZID := ZID{0xB1}

	aliceCache := zidcache.NewMemory(8)
	bobCache := zidcache.NewMemory(8)
	require.NoError(t, aliceCache.Store([12]byte(bobZID), &zidcache.Record{
		RS1: []byte("alice-view-of-rs1-32-bytes-pad!!"),
	}))
	require.NoError(t, bobCache.Store([12]byte(aliceZID), &zidcache.Record{
		RS1: []byte("bob-view-of-rs1-is-different-32!"),
	}))

	alice, bob := newPair(t,
		Config{Cache: aliceCache, ZID: &aliceZID},
		Config{Cache: bobCache, ZID: &bobZID},
	)
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	// the disagreement is reported, but the exchange still completes and the
	// users are pointed at the SAS
	assert.True(t, alice.hasStatus(StatusCacheMismatch) || bob.hasStatus(StatusCacheMismatch))
	assertMirroredSecrets(t, alice, bob, 0)
	require.NotNil(t, alice.secrets[0])
	assert.True(t, alice.secrets[0].CacheMismatch || bob.secrets[0].CacheMismatch)
}

func TestMultistreamChannel(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	aliceBefore, bobBefore := len(alice.sent), len(bob.sent)
	alice.addAndStart(1)
	bob.addAndStart(1)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 1)))

	// no DHPart phase on the second channel
	for _, data := range append(append([][]byte(nil), alice.sent[aliceBefore:]...), bob.sent[bobBefore:]...) {
		tag := messageTag(data)
		assert.NotEqual(t, "DHPart1 ", tag)
		assert.NotEqual(t, "DHPart2 ", tag)
	}

	aliceChannel := alice.s.lookupChannel(alice.ssrc(1))
	assert.Equal(t, KeyAgreementMult, aliceChannel.keyAgreement)

	assertMirroredSecrets(t, alice, bob, 1)
	assert.Equal(t, alice.sas[0], alice.sas[1]) // multistream inherits the SAS
}

func TestSecondChannelRequiresSecureMain(t *testing.T) {
	alice, _ := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	_, err := alice.s.AddChannel(1, alice.ssrc(1))
	require.NoError(t, err)
	assert.Equal(t, errMainChannelFirst, alice.s.StartChannel(alice.ssrc(1)))
}

func TestFragmentedExchange(t *testing.T) {
	alice, bob := newPair(t,
		Config{MTU: minMTU, KeyAgreements: []KeyAgreement{KeyAgreementDH3k}},
		Config{MTU: minMTU, KeyAgreements: []KeyAgreement{KeyAgreementDH3k}},
	)
	// force fragmentation below the engine minimum by reaching into the
	// session; DH3k DHPart packets are 484 bytes
	alice.s.mtu = 300
	bob.s.mtu = 300

	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	fragments := 0
	for _, data := range append(append([][]byte(nil), alice.sent...), bob.sent...) {
		if data[0] == 0x11 {
			fragments++
		}
	}
	assert.True(t, fragments > 1, "expected fragmented DHParts, saw %d fragments", fragments)
	assertMirroredSecrets(t, alice, bob, 0)
}

func TestKEMExchange(t *testing.T) {
	alice, bob := newPair(t,
		Config{KeyAgreements: []KeyAgreement{KeyAgreementK255}},
		Config{KeyAgreements: []KeyAgreement{KeyAgreementK255}},
	)
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
	assertMirroredSecrets(t, alice, bob, 0)

	aliceChannel := alice.s.lookupChannel(alice.ssrc(0))
	assert.Equal(t, KeyAgreementK255, aliceChannel.keyAgreement)
}

func TestX25519Exchange(t *testing.T) {
	alice, bob := newPair(t,
		Config{KeyAgreements: []KeyAgreement{KeyAgreementX255}},
		Config{KeyAgreements: []KeyAgreement{KeyAgreementX255}},
	)
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
	assertMirroredSecrets(t, alice, bob, 0)
}

func TestRetransmissionCap(t *testing.T) {
	// no peer: Hello retransmits until the cap, then the timer stops and a
	// timeout is reported
	alice := newParty(t, "alice", 0xA0000000, Config{})
	alice.addAndStart(0)

	now := uint64(0)
	for i := 0; i < 300; i++ {
		now += 50
		require.NoError(t, alice.s.Tick(now))
	}

	hellos := 0
	for _, data := range alice.sent {
		if messageTag(data) == "Hello   " {
			hellos++
		}
	}
	assert.Equal(t, helloMaxresend, hellos)
	assert.True(t, alice.hasStatus(StatusTimeout))

	sent := len(alice.sent)
	for i := 0; i < 50; i++ {
		now += 50
		require.NoError(t, alice.s.Tick(now))
	}
	assert.Equal(t, sent, len(alice.sent)) // nothing further goes out
}

func TestHelloHashPinningEndToEnd(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)

	require.NoError(t, alice.s.SetPeerHelloHash(alice.ssrc(0), bob.s.HelloHash(bob.ssrc(0))))
	require.NoError(t, bob.s.SetPeerHelloHash(bob.ssrc(0), alice.s.HelloHash(alice.ssrc(0))))

	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
	assertMirroredSecrets(t, alice, bob, 0)
}

func TestHelloHashMismatchBlocks(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)

	wrong := make([]byte, 32)
	require.NoError(t, alice.s.SetPeerHelloHash(alice.ssrc(0), wrong))

	assert.False(t, pump(t, alice, bob, func() bool {
		return alice.s.IsSecure(alice.ssrc(0))
	}))
}

func TestGoClearRoundTrip(t *testing.T) {
	alice, bob := newPair(t,
		Config{AcceptGoClear: true},
		Config{AcceptGoClear: true},
	)
	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	require.NoError(t, alice.s.RequestGoClear(alice.ssrc(0)))
	require.True(t, pump(t, alice, bob, func() bool {
		return bob.hasStatus(StatusGoClearReceived)
	}))
	require.NoError(t, bob.s.AcceptClear(bob.ssrc(0)))

	require.True(t, pump(t, alice, bob, func() bool {
		aliceChannel := alice.s.lookupChannel(alice.ssrc(0))
		bobChannel := bob.s.lookupChannel(bob.ssrc(0))
		return aliceChannel.isClear && bobChannel.isClear
	}))
	assert.True(t, alice.hasStatus(StatusEnteredClear))
	assert.True(t, bob.hasStatus(StatusEnteredClear))

	// and back to secure, keyed from ZRTPSess
	require.NoError(t, alice.s.BackToSecure(alice.ssrc(0)))
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
}

func TestGoClearRefusedWhenDisabled(t *testing.T) {
	alice, bob := newPair(t, Config{AcceptGoClear: true}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	// bob never advertised GoClear support in its Confirm
	assert.Equal(t, errGoClearDisabled, alice.s.RequestGoClear(alice.ssrc(0)))
}

func TestPingAnsweredWithPingACK(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)

	w := packet.NewWriterSize(pingLength)
	writeMessageHeader(w, pingLength, msgTypePing)
	w.WriteString(protocolVersion)
	w.WriteString("pinghash")
	ping := w.Bytes()

	buf := make([]byte, len(ping)+packetOverhead)
	writePacketHeader(buf, false, 0x12345678)
	copy(buf[packetHeaderLength:], ping)
	setSequenceNumber(buf, 1)

	require.NoError(t, bob.s.Deliver(bob.ssrc(0), buf))

	var acked bool
	for _, data := range bob.sent {
		acked = acked || messageTag(data) == "PingACK "
	}
	assert.True(t, acked)

	// the ping did not disturb discovery
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))
}

func TestSetSASVerifiedPersists(t *testing.T) {
	aliceCache := zidcache.NewMemory(8)
	bobCache := zidcache.NewMemory(8)

	alice, bob := newPair(t, Config{Cache: aliceCache}, Config{Cache: bobCache})
	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	require.NoError(t, alice.s.SetSASVerified(true))
	rec, err := aliceCache.Lookup([12]byte(bob.s.selfZID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.SASVerified)
}

func TestSessionCloseWipes(t *testing.T) {
	alice, bob := newPair(t, Config{}, Config{})
	alice.addAndStart(0)
	bob.addAndStart(0)
	require.True(t, pump(t, alice, bob, bothSecure(alice, bob, 0)))

	aliceChannel := alice.s.lookupChannel(alice.ssrc(0))
	mackeyi := aliceChannel.mackeyi

	require.NoError(t, alice.s.Close())
	assert.Nil(t, aliceChannel.mackeyi)
	for _, b := range mackeyi {
		assert.Zero(t, b)
	}
	assert.Equal(t, errSessionClosed, alice.s.Deliver(alice.ssrc(0), []byte{1}))
}
