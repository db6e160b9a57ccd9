// Package workflow holds the workflow entities, per-platform stage-graph
// definitions, and the resolver that computes the next transition for a
// running workflow.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stagecraft/envelope"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	StatusInitiated WorkflowStatus = "initiated"
	StatusRunning   WorkflowStatus = "running"
	StatusPaused    WorkflowStatus = "paused"
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusRunning, StatusPaused,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status. Terminal workflows never
// change status again.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Built-in workflow types. Any other non-empty string is a custom type that
// routes through a platform definition or fails resolution.
const (
	TypeApp        = "app"
	TypeService    = "service"
	TypeFeature    = "feature"
	TypeCapability = "capability"
	TypeBugfix     = "bugfix"
)

// Workflow is one invocation of a stage graph.
type Workflow struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	PlatformID    string            `json:"platform_id,omitempty"`
	Status        WorkflowStatus    `json:"status"`
	CurrentStage  string            `json:"current_stage,omitempty"`
	PreviousStage string            `json:"previous_stage,omitempty"`
	Progress      int               `json:"progress"`
	Priority      envelope.Priority `json:"priority,omitempty"`

	// StageOutputs maps a completed stage name to the result fragment it
	// produced. Skipped stages carry the literal "skipped".
	StageOutputs map[string]json.RawMessage `json:"stage_outputs,omitempty"`

	// Dispatch is the task currently in flight for CurrentStage, nil when
	// none. Results whose task_id does not match are late duplicates and
	// are discarded.
	Dispatch *StageDispatch `json:"dispatch,omitempty"`

	// StageAttempts counts dispatches of CurrentStage, including the first.
	StageAttempts int `json:"stage_attempts,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the CAS token guarding every persisted mutation.
	Version int64 `json:"version"`
}

// New creates a workflow in the initiated status.
func New(workflowType, platformID string, priority envelope.Priority) *Workflow {
	if priority == "" {
		priority = envelope.PriorityMedium
	}
	return &Workflow{
		ID:           uuid.New().String(),
		Type:         workflowType,
		PlatformID:   platformID,
		Status:       StatusInitiated,
		Priority:     priority,
		StageOutputs: make(map[string]json.RawMessage),
		StartedAt:    time.Now().UTC(),
		Version:      1,
	}
}

// Validate checks the structural invariants of the entity.
func (w *Workflow) Validate() error {
	if _, err := uuid.Parse(w.ID); err != nil {
		return &envelope.ValidationError{Field: "id", Message: "must be a UUID"}
	}
	if w.Type == "" {
		return &envelope.ValidationError{Field: "type", Message: "is required"}
	}
	if !w.Status.Valid() {
		return &envelope.ValidationError{Field: "status", Message: "unknown status " + string(w.Status)}
	}
	if w.Progress < 0 || w.Progress > 100 {
		return &envelope.ValidationError{Field: "progress", Message: "must be in [0,100]"}
	}
	if w.Priority != "" && !w.Priority.Valid() {
		return &envelope.ValidationError{Field: "priority", Message: "unknown priority " + string(w.Priority)}
	}
	if w.Status.Terminal() && w.CompletedAt == nil {
		return &envelope.ValidationError{Field: "completed_at", Message: "required for terminal status"}
	}
	if !w.Status.Terminal() && w.CompletedAt != nil {
		return &envelope.ValidationError{Field: "completed_at", Message: "only terminal statuses complete"}
	}
	return nil
}

// Snapshot captures the persistable view of the workflow.
func (w *Workflow) Snapshot() *StateSnapshot {
	return &StateSnapshot{
		WorkflowID:   w.ID,
		CurrentStage: w.CurrentStage,
		Status:       w.Status,
		Progress:     w.Progress,
		LastUpdated:  time.Now().UTC(),
		Version:      w.Version,
	}
}

// StageDispatch records the single outstanding task for the current stage,
// with the dispatch-time policy the engine consults on failure or timeout.
type StageDispatch struct {
	TaskID       string        `json:"task_id"`
	Stage        string        `json:"stage"`
	AgentType    string        `json:"agent_type"`
	TimeoutMS    int           `json:"timeout_ms"`
	Retry        RetryStrategy `json:"retry"`
	IsFallback   bool          `json:"is_fallback,omitempty"`
	DispatchedAt time.Time     `json:"dispatched_at"`
}

// StateSnapshot is the persisted view of a workflow, written after every
// state transition. Seven-day TTL in the KV store.
type StateSnapshot struct {
	WorkflowID   string         `json:"workflow_id"`
	CurrentStage string         `json:"current_stage,omitempty"`
	Status       WorkflowStatus `json:"status"`
	Progress     int            `json:"progress"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LastUpdated  time.Time      `json:"last_updated"`
	Version      int64          `json:"version"`

	// MachineContext carries opaque state-machine extras across restarts.
	MachineContext json.RawMessage `json:"state_machine_context,omitempty"`
}

// RecoveryCheckpoint records the last processed message per workflow so a
// restarted engine can skip already-consumed events.
type RecoveryCheckpoint struct {
	WorkflowID             string    `json:"workflow_id"`
	LastProcessedMessageID string    `json:"last_processed_message_id"`
	CheckpointTimestamp    time.Time `json:"checkpoint_timestamp"`
}
