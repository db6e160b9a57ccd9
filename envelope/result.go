package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskMetrics captures resource usage reported with a task result.
type TaskMetrics struct {
	DurationMS  int64 `json:"duration_ms"`
	TokensUsed  int   `json:"tokens_used,omitempty"`
	APICalls    int   `json:"api_calls,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// Artifact references an output produced by an agent.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// TaskResult is reported by an agent when a task finishes. The output is
// opaque to the core; NextStage lets an agent suggest an out-of-band
// transition which the resolver may honor.
type TaskResult struct {
	TaskID           string          `json:"task_id"`
	WorkflowID       string          `json:"workflow_id"`
	AgentID          string          `json:"agent_id"`
	Stage            string          `json:"stage,omitempty"`
	Status           TaskStatus      `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	Artifacts        []Artifact      `json:"artifacts,omitempty"`
	Metrics          TaskMetrics     `json:"metrics"`
	NextStage        string          `json:"next_stage,omitempty"`
	NextStagePayload json.RawMessage `json:"next_stage_payload,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// Validate implements Payload.
func (r *TaskResult) Validate() error {
	if r.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if r.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}
	switch r.Status {
	case TaskSuccess, TaskFailure, TaskPartial, TaskTimeout:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("result status must be terminal, got %q", r.Status)}
	}
	if r.CompletedAt.IsZero() {
		return &ValidationError{Field: "completed_at", Message: "completed_at is required"}
	}
	return nil
}

// Succeeded reports whether the result advances its stage.
func (r *TaskResult) Succeeded() bool {
	return r.Status == TaskSuccess || r.Status == TaskPartial
}
