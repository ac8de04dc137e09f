// Copyright 2019 Lanikai Labs. All rights reserved.

package zidcache

import (
	"time"

	"github.com/golang/groupcache/lru"
)

// Memory is a non-persistent Cache, suitable for tests and for hosts that
// accept losing key continuity across restarts. Peer records are bounded by
// an LRU so a long-lived endpoint talking to many peers cannot grow without
// limit.
type Memory struct {
	selfZID  [12]byte
	haveSelf bool
	peers    *lru.Cache
}

// NewMemory creates an in-memory cache holding at most maxPeers records;
// maxPeers <= 0 means unbounded.
func NewMemory(maxPeers int) *Memory {
	if maxPeers < 0 {
		maxPeers = 0
	}
	return &Memory{peers: lru.New(maxPeers)}
}

func (m *Memory) SelfZID() ([12]byte, bool, error) {
	return m.selfZID, m.haveSelf, nil
}

func (m *Memory) SetSelfZID(zid [12]byte) error {
	m.selfZID = zid
	m.haveSelf = true
	return nil
}

func (m *Memory) Lookup(peer [12]byte) (*Record, error) {
	if v, ok := m.peers.Get(lru.Key(peer)); ok {
		return v.(*Record).Clone(), nil
	}
	return nil, nil
}

func (m *Memory) Store(peer [12]byte, rec *Record) error {
	rec = rec.Clone()
	rec.LastUpdate = time.Now()
	m.peers.Add(lru.Key(peer), rec)
	return nil
}
