// Package memkv provides an in-process kvstore.Store used by unit tests and
// single-process development runs. TTLs are enforced lazily on read.
package memkv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/stagecraft/kvstore"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory kvstore.Store.
type Store struct {
	mu         sync.Mutex
	entries    map[string]entry
	defaultTTL time.Duration
	now        func() time.Time
}

var _ kvstore.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithDefaultTTL sets the TTL applied to writes without an explicit ttl,
// including entries created through CAS.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.defaultTTL = ttl }
}

// WithClock overrides the time source, letting tests advance TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) get(key string) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.data, true
}

// Get implements kvstore.Store.
func (s *Store) Get(_ context.Context, key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.get(key)
	if !ok {
		return kvstore.ErrKeyNotFound
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Set implements kvstore.Store.
func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}

	if ttl == 0 {
		ttl = s.defaultTTL
	}
	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry{data: data, expiresAt: expires}
	s.mu.Unlock()
	return nil
}

// Delete implements kvstore.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Incr implements kvstore.Store.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if data, ok := s.get(key); ok {
		if err := json.Unmarshal(data, &n); err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
	}
	n++

	data, err := json.Marshal(n)
	if err != nil {
		return 0, err
	}
	prev := s.entries[key]
	s.entries[key] = entry{data: data, expiresAt: prev.expiresAt}
	return n, nil
}

// CAS implements kvstore.Store.
func (s *Store) CAS(_ context.Context, key string, expected, next any) (bool, error) {
	nextData, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal value for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.get(key)
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok {
			return false, nil
		}
		expectedData, err := json.Marshal(expected)
		if err != nil {
			return false, fmt.Errorf("marshal expected for %s: %w", key, err)
		}
		if !bytes.Equal(current, expectedData) {
			return false, nil
		}
	}

	prev := s.entries[key]
	expires := prev.expiresAt
	if !ok && s.defaultTTL > 0 {
		// CAS-created entries get the store default, same as Set.
		expires = s.now().Add(s.defaultTTL)
	}
	s.entries[key] = entry{data: nextData, expiresAt: expires}
	return true, nil
}

// Health implements kvstore.Store.
func (s *Store) Health(_ context.Context) kvstore.Health {
	return kvstore.Health{OK: true, CheckedAt: time.Now()}
}

// Len returns the number of live keys, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if _, ok := s.get(key); ok {
			n++
		}
	}
	return n
}
