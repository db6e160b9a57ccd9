package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// EnvelopeVersion is the current AgentEnvelope payload schema version.
const EnvelopeVersion = 1

// AgentTaskType is the event type carried by task envelopes.
const AgentTaskType = "agent.task.request"

// TaskResultType is the event type carried by result envelopes.
const TaskResultType = "agent.task.result"

// DeadLetterType is the event type wrapping exhausted envelopes on the DLQ.
const DeadLetterType = "system.dead_letter"

// kebabPattern constrains agent types to kebab-case identifiers.
var kebabPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Priority orders task dispatch.
type Priority string

// Task priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a dispatched task.
type TaskStatus string

// Task statuses.
const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailure   TaskStatus = "failure"
	TaskPartial   TaskStatus = "partial"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
	TaskRetrying  TaskStatus = "retrying"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskQueued, TaskRunning, TaskSuccess, TaskFailure,
		TaskPartial, TaskTimeout, TaskCancelled, TaskRetrying:
		return true
	}
	return false
}

// WorkflowContext situates a task within its workflow.
type WorkflowContext struct {
	WorkflowType  string                     `json:"workflow_type"`
	WorkflowName  string                     `json:"workflow_name,omitempty"`
	CurrentStage  string                     `json:"current_stage"`
	PreviousStage string                     `json:"previous_stage,omitempty"`
	StageOutputs  map[string]json.RawMessage `json:"stage_outputs,omitempty"`
}

// AgentEnvelope is the typed task message addressed to one agent type.
// The payload is a discriminated union keyed by AgentType; the core never
// inspects it beyond validation.
type AgentEnvelope struct {
	TaskID          string          `json:"task_id" validate:"required,uuid"`
	WorkflowID      string          `json:"workflow_id" validate:"required,uuid"`
	AgentType       string          `json:"agent_type" validate:"required"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	RetryCount      int             `json:"retry_count" validate:"min=0"`
	MaxRetries      int             `json:"max_retries" validate:"min=0,max=10"`
	TimeoutMS       int             `json:"timeout_ms" validate:"min=1000"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
	TraceID         string          `json:"trace_id,omitempty"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	EnvelopeVersion int             `json:"envelope_version"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New()

// Validate checks the task envelope against the protocol invariants.
func (a *AgentEnvelope) Validate() error {
	if err := validate.Struct(a); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Field:   errs[0].Field(),
				Message: fmt.Sprintf("failed %q constraint", errs[0].Tag()),
			}
		}
		return err
	}
	if !kebabPattern.MatchString(a.AgentType) {
		return &ValidationError{Field: "agent_type", Message: fmt.Sprintf("agent type %q is not kebab-case", a.AgentType)}
	}
	if !a.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", a.Priority)}
	}
	if !a.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", a.Status)}
	}
	if a.WorkflowContext.WorkflowType == "" {
		return &ValidationError{Field: "workflow_context.workflow_type", Message: "workflow_type is required"}
	}
	if a.WorkflowContext.CurrentStage == "" {
		return &ValidationError{Field: "workflow_context.current_stage", Message: "current_stage is required"}
	}
	return nil
}

// ValidAgentType reports whether s is a legal (kebab-case) agent type.
// Custom agent types need no central registration beyond a workflow
// definition that names them.
func ValidAgentType(s string) bool { return kebabPattern.MatchString(s) }

// DeadLetter wraps an envelope that exhausted its retry budget.
type DeadLetter struct {
	EnvelopeID string `json:"envelope_id"`
	Topic      string `json:"topic"`
	LastError  string `json:"last_error,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Validate implements Payload.
func (d *DeadLetter) Validate() error {
	if d.EnvelopeID == "" {
		return &ValidationError{Field: "envelope_id", Message: "envelope_id is required"}
	}
	return nil
}

func init() {
	_ = RegisterPayload(AgentTaskType, EnvelopeVersion, func() Payload { return &AgentEnvelope{} })
	_ = RegisterPayload(TaskResultType, EnvelopeVersion, func() Payload { return &TaskResult{} })
	_ = RegisterPayload(DeadLetterType, EnvelopeVersion, func() Payload { return &DeadLetter{} })
}
