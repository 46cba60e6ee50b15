// Package rwhashes provides a fixed-width sharded map: a fast path for
// structures such as the fetch coordinator's in-flight table and the inode
// handle table, where many goroutines touch different keys concurrently and
// a single mutex would serialize all of them.
package rwhashes

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// HashFunc maps a key to a 64-bit hash used only for bucket selection. It
// need not be cryptographically strong; xxhash is the usual choice.
type HashFunc[K comparable] func(K) uint64

// Map is a striped map: 2^bits independent buckets, each guarded by its own
// RWMutex. Operations on keys that land in different buckets proceed
// without contending each other.
type Map[K comparable, V any] struct {
	buckets []*bucket[K, V]
	mask    uint64
	hash    HashFunc[K]
}

type bucket[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New constructs a Map with 2^bits buckets. hash selects the bucket for a
// key and must be deterministic for equal keys.
func New[K comparable, V any](bits uint, hash HashFunc[K]) *Map[K, V] {
	n := 1 << bits
	buckets := make([]*bucket[K, V], n)
	for i := range buckets {
		buckets[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return &Map[K, V]{
		buckets: buckets,
		mask:    uint64(n) - 1,
		hash:    hash,
	}
}

// NewBytesKeyed builds a Map keyed by any comparable type that also exposes
// its bytes for hashing, via toBytes. This is the common case for digest
// and other fixed-size-array keys.
func NewBytesKeyed[K comparable, V any](bits uint, toBytes func(K) []byte) *Map[K, V] {
	return New[K, V](bits, func(k K) uint64 {
		return xxhash.Sum64(toBytes(k))
	})
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	return m.buckets[m.hash(key)&m.mask]
}

// Len returns the number of buckets (not the number of entries).
func (m *Map[K, V]) Len() int {
	return len(m.buckets)
}

// Get looks up key, reporting whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
}

// Delete removes key, if present.
func (m *Map[K, V]) Delete(key K) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

// GetOrSet returns the existing value for key if present; otherwise it
// stores and returns value. The ok result reports whether the existing
// value was returned (true) or value was inserted (false).
func (m *Map[K, V]) GetOrSet(key K, value V) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.m[key]; ok {
		return existing, true
	}
	b.m[key] = value
	return value, false
}

// WithLock runs fn while holding the write lock of key's bucket, with
// direct access to the bucket's backing map. The lock is held for the
// whole of fn and released when fn returns.
func (m *Map[K, V]) WithLock(key K, fn func(m map[K]V)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.m)
}

// Lock acquires the write lock for key's bucket and returns it unlocked to
// the caller, along with the bucket's backing map, for call sites that
// must release the lock before a blocking operation and are willing to
// manage the critical section manually (see fetchcoord).
func (m *Map[K, V]) Lock(key K) (unlock func(), backing map[K]V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	return b.mu.Unlock, b.m
}

// RLock is the read-side counterpart of Lock.
func (m *Map[K, V]) RLock(key K) (unlock func(), backing map[K]V) {
	b := m.bucketFor(key)
	b.mu.RLock()
	return b.mu.RUnlock, b.m
}

// Range calls fn for every entry across all buckets. fn must not call back
// into the Map for the same key while holding that bucket's lock. Range
// does not provide a consistent snapshot across buckets.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		cont := true
		for k, v := range b.m {
			if !fn(k, v) {
				cont = false
				break
			}
		}
		b.mu.RUnlock()
		if !cont {
			return
		}
	}
}
