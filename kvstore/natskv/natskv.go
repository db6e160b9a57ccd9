// Package natskv adapts a NATS JetStream key-value bucket to the
// kvstore.Store port. TTL is a bucket-level property in JetStream, so the
// orchestrator provisions one bucket per TTL class (seen / state / locks /
// registry) and a Store per bucket.
package natskv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stagecraft/kvstore"
)

// Store adapts one JetStream KV bucket.
type Store struct {
	kv        jetstream.KeyValue
	bucket    string
	namespace string
}

var _ kvstore.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithNamespace prefixes every key, mirroring the KV_NAMESPACE contract.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.namespace = ns }
}

// New binds an existing bucket.
func New(kv jetstream.KeyValue, opts ...Option) *Store {
	s := &Store{kv: kv, bucket: kv.Bucket()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure creates or opens a bucket with the given TTL and returns a Store
// bound to it. A zero ttl creates a bucket without expiry.
func Ensure(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, opts ...Option) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return New(kv, opts...), nil
}

// encodeKey maps the contract key layout onto JetStream's key charset.
// JetStream KV keys cannot contain ':'.
func (s *Store) encodeKey(key string) string {
	if s.namespace != "" {
		key = s.namespace + ":" + key
	}
	return strings.ReplaceAll(key, ":", ".")
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	entry, err := s.kv.Get(ctx, s.encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kvstore.ErrKeyNotFound
		}
		return fmt.Errorf("kv get %s: %w", key, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return fmt.Errorf("decode value at %s: %w", key, err)
	}
	return nil
}

// Set implements kvstore.Store. The ttl argument is accepted for port
// compatibility; expiry is governed by the bucket TTL.
func (s *Store) Set(ctx context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	if _, err := s.kv.Put(ctx, s.encodeKey(key), data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete implements kvstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, s.encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Incr implements kvstore.Store via a revision-guarded read-modify-write.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	encoded := s.encodeKey(key)
	for {
		entry, err := s.kv.Get(ctx, encoded)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				return 0, fmt.Errorf("kv get %s: %w", key, err)
			}
			if _, err := s.kv.Create(ctx, encoded, []byte("1")); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return 0, fmt.Errorf("kv create %s: %w", key, err)
			}
			return 1, nil
		}

		var n int64
		if err := json.Unmarshal(entry.Value(), &n); err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		n++
		data, _ := json.Marshal(n)
		if _, err := s.kv.Update(ctx, encoded, data, entry.Revision()); err != nil {
			if isWrongRevision(err) {
				continue
			}
			return 0, fmt.Errorf("kv update %s: %w", key, err)
		}
		return n, nil
	}
}

// CAS implements kvstore.Store. JSON equality of the stored value against
// expected, swapped under the entry's revision so concurrent writers lose.
func (s *Store) CAS(ctx context.Context, key string, expected, next any) (bool, error) {
	nextData, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal value for %s: %w", key, err)
	}
	encoded := s.encodeKey(key)

	entry, err := s.kv.Get(ctx, encoded)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, fmt.Errorf("kv get %s: %w", key, err)
		}
		if expected != nil {
			return false, nil
		}
		if _, err := s.kv.Create(ctx, encoded, nextData); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, fmt.Errorf("kv create %s: %w", key, err)
		}
		return true, nil
	}

	if expected == nil {
		return false, nil
	}
	expectedData, err := json.Marshal(expected)
	if err != nil {
		return false, fmt.Errorf("marshal expected for %s: %w", key, err)
	}
	if !bytes.Equal(entry.Value(), expectedData) {
		return false, nil
	}

	if _, err := s.kv.Update(ctx, encoded, nextData, entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, fmt.Errorf("kv update %s: %w", key, err)
	}
	return true, nil
}

// Health implements kvstore.Store with a write/read round trip.
func (s *Store) Health(ctx context.Context) kvstore.Health {
	start := time.Now()
	probe := s.encodeKey("health:probe")
	_, err := s.kv.Put(ctx, probe, []byte(`"ping"`))
	if err == nil {
		_, err = s.kv.Get(ctx, probe)
	}
	elapsed := time.Since(start)

	h := kvstore.Health{
		OK:        err == nil,
		LatencyMS: elapsed.Milliseconds(),
		Latency:   elapsed,
		CheckedAt: time.Now(),
	}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}

func isWrongRevision(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		strings.Contains(err.Error(), "wrong last sequence")
}
