package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stagecraft/kvstore"
	"github.com/c360studio/stagecraft/workflow"
)

// lockRecord is the value stored under workflow:lock:<id>.
type lockRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// StateManager persists workflow snapshots, recovery checkpoints, and the
// per-workflow lock. Snapshots embed the full workflow record so recovery
// does not need a second store.
//
// The lock is deliberately weak: set-then-read-back with a 30 second TTL.
// It coordinates cooperative engines; correctness against transient double
// ownership comes from the CAS on workflow.version in SaveSnapshot.
type StateManager struct {
	store      kvstore.Store
	instanceID string
	logger     *slog.Logger
}

// NewStateManager creates a state manager bound to one engine instance.
func NewStateManager(store kvstore.Store, instanceID string, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{store: store, instanceID: instanceID, logger: logger}
}

// SaveSnapshot persists the workflow with CAS on its version. The caller
// must have bumped w.Version before saving; the expected stored version is
// w.Version-1. Returns ErrConflict when another writer got there first.
func (m *StateManager) SaveSnapshot(ctx context.Context, w *workflow.Workflow) error {
	record, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", w.ID, err)
	}
	snap := w.Snapshot()
	snap.MachineContext = record

	key := kvstore.StateKey(w.ID)

	var prev workflow.StateSnapshot
	switch err := m.store.Get(ctx, key, &prev); {
	case errors.Is(err, kvstore.ErrKeyNotFound):
		ok, err := m.store.CAS(ctx, key, nil, snap)
		if err != nil {
			return fmt.Errorf("create snapshot %s: %w", w.ID, err)
		}
		if !ok {
			return fmt.Errorf("create snapshot %s: %w", w.ID, ErrConflict)
		}
	case err != nil:
		return fmt.Errorf("read snapshot %s: %w", w.ID, err)
	default:
		if prev.Version != w.Version-1 {
			return fmt.Errorf("snapshot %s at version %d, expected %d: %w",
				w.ID, prev.Version, w.Version-1, ErrConflict)
		}
		ok, err := m.store.CAS(ctx, key, &prev, snap)
		if err != nil {
			return fmt.Errorf("update snapshot %s: %w", w.ID, err)
		}
		if !ok {
			return fmt.Errorf("update snapshot %s: %w", w.ID, ErrConflict)
		}
	}
	return nil
}

// LoadSnapshot reads the persisted snapshot, or ErrNotFound.
func (m *StateManager) LoadSnapshot(ctx context.Context, workflowID string) (*workflow.StateSnapshot, error) {
	var snap workflow.StateSnapshot
	err := m.store.Get(ctx, kvstore.StateKey(workflowID), &snap)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", workflowID, err)
	}
	return &snap, nil
}

// SaveCheckpoint records the last processed message id for a workflow.
func (m *StateManager) SaveCheckpoint(ctx context.Context, workflowID, messageID string) error {
	cp := workflow.RecoveryCheckpoint{
		WorkflowID:             workflowID,
		LastProcessedMessageID: messageID,
		CheckpointTimestamp:    time.Now().UTC(),
	}
	if err := m.store.Set(ctx, kvstore.CheckpointKey(workflowID), cp, kvstore.CheckpointTTL); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", workflowID, err)
	}
	return nil
}

// LoadCheckpoint reads the recovery checkpoint, or nil when none exists.
func (m *StateManager) LoadCheckpoint(ctx context.Context, workflowID string) (*workflow.RecoveryCheckpoint, error) {
	var cp workflow.RecoveryCheckpoint
	err := m.store.Get(ctx, kvstore.CheckpointKey(workflowID), &cp)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", workflowID, err)
	}
	return &cp, nil
}

// AcquireLock takes the workflow lock for this instance: set with the lock
// TTL, then read back to see whose instance id stuck.
func (m *StateManager) AcquireLock(ctx context.Context, workflowID string) (bool, error) {
	key := kvstore.LockKey(workflowID)

	var current lockRecord
	err := m.store.Get(ctx, key, &current)
	switch {
	case err == nil && current.InstanceID != m.instanceID:
		return false, nil
	case err != nil && !errors.Is(err, kvstore.ErrKeyNotFound):
		return false, fmt.Errorf("read lock %s: %w", workflowID, err)
	}

	rec := lockRecord{InstanceID: m.instanceID, AcquiredAt: time.Now().UTC()}
	if err := m.store.Set(ctx, key, rec, kvstore.LockTTL); err != nil {
		return false, fmt.Errorf("set lock %s: %w", workflowID, err)
	}

	var stored lockRecord
	if err := m.store.Get(ctx, key, &stored); err != nil {
		return false, fmt.Errorf("confirm lock %s: %w", workflowID, err)
	}
	return stored.InstanceID == m.instanceID, nil
}

// ReleaseLock deletes the lock only while this instance owns it. Mandatory
// on graceful shutdown; the TTL covers crashes.
func (m *StateManager) ReleaseLock(ctx context.Context, workflowID string) error {
	key := kvstore.LockKey(workflowID)

	var current lockRecord
	err := m.store.Get(ctx, key, &current)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock %s: %w", workflowID, err)
	}
	if current.InstanceID != m.instanceID {
		m.logger.Warn("Skipping release of foreign lock",
			"workflow_id", workflowID,
			"holder", current.InstanceID)
		return nil
	}
	return m.store.Delete(ctx, key)
}

// RecoverWorkflow loads the persisted workflow record and its checkpoint.
// The engine resumes from the recorded stage; messages at or before the
// checkpoint id were already applied.
func (m *StateManager) RecoverWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, *workflow.RecoveryCheckpoint, error) {
	snap, err := m.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if len(snap.MachineContext) == 0 {
		return nil, nil, fmt.Errorf("snapshot %s has no workflow record: %w", workflowID, ErrNotFound)
	}

	var w workflow.Workflow
	if err := json.Unmarshal(snap.MachineContext, &w); err != nil {
		return nil, nil, fmt.Errorf("decode workflow record %s: %w", workflowID, err)
	}

	cp, err := m.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return &w, cp, nil
}
