// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// entry wraps a value with expiration metadata.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a generic in-memory store with per-entry TTL, atomic
// get-or-create, and automatic expiry sweeping. Entries are refreshed with
// Touch; expired entries are handed to the eviction callback.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a store whose sweep goroutine runs every interval.
// onEvict, if non-nil, is called (outside the store lock) for entries
// removed by the sweeper. Manual Delete does not trigger it.
func NewTTLStore[K comparable, V any](interval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: interval,
		onEvict:  onEvict,
	}
	go s.sweepLoop()
	return s
}

// Get returns the value for key. Expired entries are still returned; only
// the sweeper removes them.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// GetOrCreate returns the existing value for key, or stores the value
// produced by create with the given TTL. The factory runs under the store
// lock so concurrent creators resolve to exactly one winner.
func (s *TTLStore[K, V]) GetOrCreate(key K, ttl time.Duration, create func() V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		return e.value, false
	}
	v := create()
	s.items[key] = &entry[V]{value: v, expiresAt: time.Now().Add(ttl)}
	return v, true
}

// Set stores a value with the given TTL, replacing any existing entry.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Touch extends the TTL of an existing entry. No-op for unknown keys.
func (s *TTLStore[K, V]) Touch(key K, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		e.expiresAt = time.Now().Add(ttl)
	}
}

// Rename moves an entry to a new key, keeping its TTL. Returns false when
// the old key is absent or the new key already exists.
func (s *TTLStore[K, V]) Rename(oldKey, newKey K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[oldKey]
	if !ok {
		return false
	}
	if _, taken := s.items[newKey]; taken {
		return false
	}
	delete(s.items, oldKey)
	s.items[newKey] = e
	return true
}

// Delete removes an entry. Returns true if it existed.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of stored entries, expired or not.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Range calls fn for each entry until fn returns false. The callback runs
// under the read lock and must not call back into the store.
func (s *TTLStore[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.items {
		if !fn(k, e.value) {
			return
		}
	}
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (s *TTLStore[K, V]) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) sweep() {
	now := time.Now()
	type evicted struct {
		key   K
		value V
	}
	var out []evicted

	s.mu.Lock()
	for k, e := range s.items {
		if now.After(e.expiresAt) {
			delete(s.items, k)
			out = append(out, evicted{k, e.value})
		}
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for _, ev := range out {
			s.onEvict(ev.key, ev.value)
		}
	}
}
