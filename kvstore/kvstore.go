// Package kvstore defines the key-value port used for the idempotency
// ledger, workflow state snapshots, recovery checkpoints, distributed
// workflow locks, and the agent registry. Values are JSON. Adapters live in
// the natskv and memkv subpackages.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist or expired.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Health reports the adapter's round-trip health.
type Health struct {
	OK        bool          `json:"ok"`
	LatencyMS int64         `json:"latency_ms"`
	Err       string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"-"`
}

// Store is the key-value port. All values round-trip through JSON.
type Store interface {
	// Get reads the value at key into out. Returns ErrKeyNotFound when
	// the key is absent or its TTL elapsed.
	Get(ctx context.Context, key string, out any) error

	// Set writes value at key. A zero ttl means the adapter default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// CAS replaces the value at key with next only when the stored value
	// equals expected (JSON equality). A nil expected asserts absence.
	// Returns false without error when the comparison fails.
	CAS(ctx context.Context, key string, expected, next any) (bool, error)

	// Health performs a round-trip check against the substrate.
	Health(ctx context.Context) Health
}

// Key layout shared by all adapters. TTLs are part of the contract.
const (
	SeenKeyPrefix       = "seen:"
	StateKeyPrefix      = "workflow:state:"
	CheckpointKeyPrefix = "workflow:checkpoint:"
	LockKeyPrefix       = "workflow:lock:"
	RegistryKeyPrefix   = "agents:registry:"

	SeenTTL       = 24 * time.Hour
	StateTTL      = 7 * 24 * time.Hour
	CheckpointTTL = 7 * 24 * time.Hour
	LockTTL       = 30 * time.Second
)

// SeenKey returns the idempotency ledger key for an envelope id.
func SeenKey(envelopeID string) string { return SeenKeyPrefix + envelopeID }

// StateKey returns the snapshot key for a workflow.
func StateKey(workflowID string) string { return StateKeyPrefix + workflowID }

// CheckpointKey returns the recovery checkpoint key for a workflow.
func CheckpointKey(workflowID string) string { return CheckpointKeyPrefix + workflowID }

// LockKey returns the distributed lock key for a workflow.
func LockKey(workflowID string) string { return LockKeyPrefix + workflowID }

// RegistryKey returns the agent registry key for an agent id.
func RegistryKey(agentID string) string { return RegistryKeyPrefix + agentID }
