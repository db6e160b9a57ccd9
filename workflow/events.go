package workflow

import (
	"github.com/c360studio/stagecraft/envelope"
)

// Event types published on the workflow event ticker. Consumers subscribe
// by type prefix; aggregators and UIs read all of them.
const (
	EventCreated        = "workflow.created"
	EventStageCompleted = "workflow.stage.completed"
	EventStageFailed    = "workflow.stage.failed"
	EventCompleted      = "workflow.completed"
	EventFailed         = "workflow.failed"
	EventCancelled      = "workflow.cancelled"
	EventPaused         = "workflow.paused"
	EventResumed        = "workflow.resumed"

	// EventDefinitionGone is logged when a running workflow references a
	// definition that has been deleted or disabled and falls back to the
	// built-in sequence.
	EventDefinitionGone = "workflow.definition.gone"

	// EventDefinitionUpdated is the cache-invalidation broadcast emitted
	// after a definition write.
	EventDefinitionUpdated = "workflow.definition.updated"
)

// CreatedEvent is published when a workflow is admitted.
type CreatedEvent struct {
	WorkflowID string `json:"workflow_id"`
	Type       string `json:"type"`
	PlatformID string `json:"platform_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// Validate implements envelope.Payload.
func (e *CreatedEvent) Validate() error {
	if e.WorkflowID == "" {
		return &envelope.ValidationError{Field: "workflow_id", Message: "is required"}
	}
	if e.Type == "" {
		return &envelope.ValidationError{Field: "type", Message: "is required"}
	}
	return nil
}

// StageEvent is published when a stage completes or fails.
type StageEvent struct {
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage"`
	AgentType  string `json:"agent_type,omitempty"`
	Progress   int    `json:"progress"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	IsFallback bool   `json:"is_fallback,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Validate implements envelope.Payload.
func (e *StageEvent) Validate() error {
	if e.WorkflowID == "" {
		return &envelope.ValidationError{Field: "workflow_id", Message: "is required"}
	}
	if e.Stage == "" {
		return &envelope.ValidationError{Field: "stage", Message: "is required"}
	}
	return nil
}

// TerminalEvent is published when a workflow reaches a terminal status.
type TerminalEvent struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	FinalStage string `json:"final_stage,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Validate implements envelope.Payload.
func (e *TerminalEvent) Validate() error {
	if e.WorkflowID == "" {
		return &envelope.ValidationError{Field: "workflow_id", Message: "is required"}
	}
	if e.Status == "" {
		return &envelope.ValidationError{Field: "status", Message: "is required"}
	}
	return nil
}

// AdminEvent is published on pause and resume.
type AdminEvent struct {
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage,omitempty"`
}

// Validate implements envelope.Payload.
func (e *AdminEvent) Validate() error {
	if e.WorkflowID == "" {
		return &envelope.ValidationError{Field: "workflow_id", Message: "is required"}
	}
	return nil
}

// DefinitionGoneEvent records a mid-workflow fallback to the built-in
// sequence after the referenced definition disappeared.
type DefinitionGoneEvent struct {
	WorkflowID   string `json:"workflow_id"`
	PlatformID   string `json:"platform_id"`
	WorkflowType string `json:"workflow_type"`
	Reason       string `json:"reason"`
}

// Validate implements envelope.Payload.
func (e *DefinitionGoneEvent) Validate() error {
	if e.WorkflowID == "" {
		return &envelope.ValidationError{Field: "workflow_id", Message: "is required"}
	}
	if e.PlatformID == "" {
		return &envelope.ValidationError{Field: "platform_id", Message: "is required"}
	}
	return nil
}

// DefinitionUpdatedEvent invalidates resolver caches on other instances.
// Empty PlatformID means invalidate everything.
type DefinitionUpdatedEvent struct {
	PlatformID   string `json:"platform_id,omitempty"`
	WorkflowType string `json:"workflow_type,omitempty"`
}

// Validate implements envelope.Payload.
func (e *DefinitionUpdatedEvent) Validate() error { return nil }

func init() {
	_ = envelope.RegisterPayload(EventCreated, 1, func() envelope.Payload { return &CreatedEvent{} })
	_ = envelope.RegisterPayload(EventStageCompleted, 1, func() envelope.Payload { return &StageEvent{} })
	_ = envelope.RegisterPayload(EventStageFailed, 1, func() envelope.Payload { return &StageEvent{} })
	_ = envelope.RegisterPayload(EventCompleted, 1, func() envelope.Payload { return &TerminalEvent{} })
	_ = envelope.RegisterPayload(EventFailed, 1, func() envelope.Payload { return &TerminalEvent{} })
	_ = envelope.RegisterPayload(EventCancelled, 1, func() envelope.Payload { return &TerminalEvent{} })
	_ = envelope.RegisterPayload(EventPaused, 1, func() envelope.Payload { return &AdminEvent{} })
	_ = envelope.RegisterPayload(EventResumed, 1, func() envelope.Payload { return &AdminEvent{} })
	_ = envelope.RegisterPayload(EventDefinitionGone, 1, func() envelope.Payload { return &DefinitionGoneEvent{} })
	_ = envelope.RegisterPayload(EventDefinitionUpdated, 1, func() envelope.Payload { return &DefinitionUpdatedEvent{} })
}
