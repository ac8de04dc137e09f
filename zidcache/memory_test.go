// Copyright 2019 Lanikai Labs. All rights reserved.

package zidcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySelfZID(t *testing.T) {
	m := NewMemory(16)

	_, ok, err := m.SelfZID()
	require.NoError(t, err)
	assert.False(t, ok)

	zid := [12]byte{1, 2, 3}
	require.NoError(t, m.SetSelfZID(zid))

	got, ok, err := m.SelfZID()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, zid, got)
}

func TestMemoryLookupStore(t *testing.T) {
	m := NewMemory(16)
	peer := [12]byte{9, 9, 9}

	rec, err := m.Lookup(peer)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, m.Store(peer, &Record{RS1: []byte{1, 2, 3}, SASVerified: true}))

	rec, err = m.Lookup(peer)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte{1, 2, 3}, rec.RS1)
	assert.True(t, rec.SASVerified)
	assert.False(t, rec.LastUpdate.IsZero())

	// returned records are copies
	rec.RS1[0] = 0xFF
	again, err := m.Lookup(peer)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again.RS1)
}

func TestMemoryEviction(t *testing.T) {
	m := NewMemory(2)
	for i := byte(0); i < 3; i++ {
		require.NoError(t, m.Store([12]byte{i}, &Record{RS1: []byte{i}}))
	}
	rec, err := m.Lookup([12]byte{0})
	require.NoError(t, err)
	assert.Nil(t, rec) // oldest entry evicted
}
