// Package cache provides the snapshot caches shared between poll cycles:
// one whole value replaced atomically, never mutated in place.
package cache

import (
	"sync"
	"time"
)

// Snapshot holds one cached value with a freshness TTL. Readers either get
// a fresh value, or the last known-good value regardless of age.
type Snapshot[T any] struct {
	mu      sync.RWMutex
	value   T
	set     bool
	takenAt time.Time
	ttl     time.Duration
}

func NewSnapshot[T any](ttl time.Duration) *Snapshot[T] {
	return &Snapshot[T]{ttl: ttl}
}

// Put replaces the cached value.
func (s *Snapshot[T]) Put(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.set = true
	s.takenAt = time.Now()
}

// Get returns the value only while it is within TTL.
func (s *Snapshot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set || time.Since(s.takenAt) > s.ttl {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Last returns the most recent value regardless of age.
func (s *Snapshot[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Age returns how old the cached value is, or a negative duration when
// nothing has been stored yet.
func (s *Snapshot[T]) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return -1
	}
	return time.Since(s.takenAt)
}
