// Copyright 2019 Lanikai Labs. All rights reserved.

// Package zidcache defines the persistent store of per-peer ZRTP state: the
// retained secrets that give key continuity across calls, plus the SAS
// verification flag. The engine only ever touches it through the Cache
// interface; hosts bring their own durable implementation or use the bundled
// in-memory one.
package zidcache

import (
	"time"
)

// Record is one row of cached state for a peer ZID. RS2 is absent until the
// second successful exchange; the auxiliary and PBX secrets are provisioned
// out of band and may never exist.
type Record struct {
	RS1         []byte
	RS2         []byte
	AuxSecret   []byte
	PBXSecret   []byte
	SASVerified bool
	LastUpdate  time.Time
}

// Clone returns a deep copy, so callers can mutate their view without racing
// the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{SASVerified: r.SASVerified, LastUpdate: r.LastUpdate}
	out.RS1 = append([]byte(nil), r.RS1...)
	out.RS2 = append([]byte(nil), r.RS2...)
	out.AuxSecret = append([]byte(nil), r.AuxSecret...)
	out.PBXSecret = append([]byte(nil), r.PBXSecret...)
	return out
}

// Cache stores the endpoint identity and one Record per peer. A single cache
// may serve several sessions; the engine serialises access through the mutex
// handed to it at session creation, implementations need no internal locking
// beyond that.
type Cache interface {
	// SelfZID returns the stored endpoint identifier, ok false when none has
	// been generated yet.
	SelfZID() (zid [12]byte, ok bool, err error)

	// SetSelfZID persists a freshly generated endpoint identifier.
	SetSelfZID(zid [12]byte) error

	// Lookup returns the record for a peer, nil when the peer is unknown.
	Lookup(peer [12]byte) (*Record, error)

	// Store writes the record for a peer, replacing any previous one.
	Store(peer [12]byte, rec *Record) error
}
