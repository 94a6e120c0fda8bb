// Package store carries primitives shared by the review store
// implementations: per-row key locks and the change notification hub.
package store

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyLock serializes work per string key. Locks for distinct keys are
// independent; entries are dropped once the last holder releases them.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, blocking until it is available.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. Must pair with a prior Lock.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("store: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// RowKey builds the serialization key for one (vendorID, reviewID) row.
func RowKey(vendorID, reviewID string) string {
	return vendorID + "\x00" + reviewID
}
