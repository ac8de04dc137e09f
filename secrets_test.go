// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/zrtp/internal/crypto"
)

func TestComputeSecretIDs(t *testing.T) {
	s := testSession(t)
	c := testChannel(t, s, 1)
	c.hash = HashS256
	c.bindAlgorithms()

	rs1 := []byte("retained-secret-one-32-bytes-xx!")
	aux := []byte("aux")
	s.cached = cachedSecrets{loaded: true, rs1: rs1, auxSecret: aux}
	copy(c.peerH[3][:], []byte("peer-h3-image-32-bytes-padding!!"))

	require.NoError(t, s.computeSecretIDs(c))

	assert.Equal(t, crypto.HMACSHA256(rs1, []byte("Initiator"), 8), s.initiatorIDs.rs1ID[:])
	assert.Equal(t, crypto.HMACSHA256(rs1, []byte("Responder"), 8), s.responderIDs.rs1ID[:])
	assert.Equal(t, crypto.HMACSHA256(aux, c.selfH[3][:], 8), c.initiatorAuxID[:])
	assert.Equal(t, crypto.HMACSHA256(aux, c.peerH[3][:], 8), c.responderAuxID[:])

	// absent secrets get random IDs, not a telltale constant
	assert.NotEqual(t, s.initiatorIDs.rs2ID, s.responderIDs.rs2ID)
	assert.NotEqual(t, s.initiatorIDs.pbxID, [8]byte{})
}

func TestCheckSecretIDsDropsMismatched(t *testing.T) {
	s := testSession(t)
	var statuses []StatusCode
	s.callbacks.Status = func(tag interface{}, severity Severity, code StatusCode) {
		statuses = append(statuses, code)
	}
	c := testChannel(t, s, 1)
	c.hash = HashS256
	c.bindAlgorithms()

	s.cached = cachedSecrets{loaded: true, rs1: []byte("retained-secret-one-32-bytes-xx!")}
	require.NoError(t, s.computeSecretIDs(c))

	// the peer's DHPart2 carries IDs of a different rs1
	m := new(dhPartMessage)
	copy(m.rs1ID[:], []byte("mismatch"))
	s.checkSecretIDs(c, m, roleInitiator)

	assert.Nil(t, s.cached.rs1)
	assert.True(t, s.cacheMismatch)
	assert.Equal(t, []StatusCode{StatusCacheMismatch}, statuses)
}

func TestCheckSecretIDsAcceptsMatch(t *testing.T) {
	s := testSession(t)
	var statuses []StatusCode
	s.callbacks.Status = func(tag interface{}, severity Severity, code StatusCode) {
		statuses = append(statuses, code)
	}
	c := testChannel(t, s, 1)
	c.hash = HashS256
	c.bindAlgorithms()

	rs1 := []byte("retained-secret-one-32-bytes-xx!")
	s.cached = cachedSecrets{loaded: true, rs1: rs1}
	require.NoError(t, s.computeSecretIDs(c))

	m := new(dhPartMessage)
	m.rs1ID = s.initiatorIDs.rs1ID
	s.checkSecretIDs(c, m, roleInitiator)

	assert.Equal(t, rs1, s.cached.rs1)
	assert.False(t, s.cacheMismatch)
	assert.Empty(t, statuses)
}

func TestAuxSecretCombination(t *testing.T) {
	s := testSession(t)
	assert.Nil(t, s.auxSecret())

	s.cached.auxSecret = []byte("cached")
	assert.Equal(t, []byte("cached"), s.auxSecret())

	s.SetTransientAuxSecret([]byte("transient-"))
	assert.Equal(t, []byte("transient-cached"), s.auxSecret())

	s.cached.auxSecret = nil
	assert.Equal(t, []byte("transient-"), s.auxSecret())
}
