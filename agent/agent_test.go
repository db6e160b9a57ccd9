package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/bus/membus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/kvstore/memkv"
	"github.com/c360studio/stagecraft/resilience"
)

// fastRetry keeps exhaustion tests quick.
func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestAgent(t *testing.T, executor Executor, cfg Config) (*Agent, *membus.Bus, *memkv.Store) {
	t.Helper()
	b := membus.New(nil)
	store := memkv.New()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry()
	}

	a, err := New(b, store, executor, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, b, store
}

func taskEnvelope(t *testing.T, agentType, stage string) (*envelope.Envelope, *envelope.AgentEnvelope) {
	t.Helper()
	task := &envelope.AgentEnvelope{
		TaskID:     uuid.New().String(),
		WorkflowID: uuid.New().String(),
		AgentType:  agentType,
		Priority:   envelope.PriorityMedium,
		Status:     envelope.TaskQueued,
		MaxRetries: 3,
		TimeoutMS:  60_000,
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: "app",
			CurrentStage: stage,
		},
		EnvelopeVersion: envelope.EnvelopeVersion,
	}
	env, err := envelope.New(envelope.AgentTaskType, task, envelope.WithCorrelationID(task.WorkflowID))
	if err != nil {
		t.Fatalf("build task envelope: %v", err)
	}
	return env, task
}

func publishedResults(t *testing.T, b *membus.Bus) []*envelope.TaskResult {
	t.Helper()
	var out []*envelope.TaskResult
	for _, env := range b.Log(bus.TopicResults) {
		var r envelope.TaskResult
		if err := env.DecodePayload(&r); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		out = append(out, &r)
	}
	return out
}

func TestExecuteSuccessReportsResult(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		return &envelope.TaskResult{
			Status:      envelope.TaskSuccess,
			Output:      json.RawMessage(`{"artifact":"ok"}`),
			CompletedAt: time.Now().UTC(),
		}, nil
	})
	a, b, _ := newTestAgent(t, executor, Config{Type: "scaffold"})

	env, task := taskEnvelope(t, "scaffold", "scaffolding")
	if err := b.Publish(context.Background(), bus.AgentTasksTopic("scaffold"), env, bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	results := publishedResults(t, b)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.TaskID != task.TaskID || r.WorkflowID != task.WorkflowID {
		t.Errorf("result correlation mismatch: %+v", r)
	}
	if r.AgentID != a.ID() {
		t.Errorf("agent id %q, want %q", r.AgentID, a.ID())
	}
	if r.Stage != "scaffolding" {
		t.Errorf("stage %q, want the workflow stage, not the agent type", r.Stage)
	}
	if r.Status != envelope.TaskSuccess {
		t.Errorf("status %s, want success", r.Status)
	}
}

func TestDuplicateEnvelopeExecutesOnce(t *testing.T) {
	executions := 0
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		executions++
		return &envelope.TaskResult{Status: envelope.TaskSuccess, CompletedAt: time.Now().UTC()}, nil
	})
	_, b, _ := newTestAgent(t, executor, Config{Type: "validation"})

	env, _ := taskEnvelope(t, "validation", "validation")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, bus.AgentTasksTopic("validation"), env, bus.PublishOptions{Durable: true}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if executions != 1 {
		t.Errorf("expected exactly one execution, got %d", executions)
	}
	if got := len(publishedResults(t, b)); got != 1 {
		t.Errorf("expected exactly one result, got %d", got)
	}
}

func TestTransientFailureRetriedToSuccess(t *testing.T) {
	attempts := 0
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient glitch %d", attempts)
		}
		return &envelope.TaskResult{Status: envelope.TaskSuccess, CompletedAt: time.Now().UTC()}, nil
	})
	a, b, _ := newTestAgent(t, executor, Config{Type: "e2e"})

	env, _ := taskEnvelope(t, "e2e", "e2e_testing")
	if err := b.Publish(context.Background(), bus.AgentTasksTopic("e2e"), env, bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	results := publishedResults(t, b)
	if len(results) != 1 || results[0].Status != envelope.TaskSuccess {
		t.Fatalf("expected one success result, got %+v", results)
	}
	if a.Health().ErrorsCount != 0 {
		t.Errorf("recovered execution must not count as an error")
	}
}

func TestExhaustedFailureBecomesFailureResult(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		return nil, errors.New("persistent failure")
	})
	a, b, _ := newTestAgent(t, executor, Config{Type: "deployment"})

	env, task := taskEnvelope(t, "deployment", "deployment")
	if err := b.Publish(context.Background(), bus.AgentTasksTopic("deployment"), env, bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	results := publishedResults(t, b)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Status != envelope.TaskFailure {
		t.Errorf("status %s, want failure", r.Status)
	}
	if len(r.Errors) == 0 || r.Errors[0] != "persistent failure" {
		t.Errorf("expected the last error preserved, got %v", r.Errors)
	}
	if r.TaskID != task.TaskID {
		t.Errorf("failure result must stay correlated")
	}
	if a.Health().ErrorsCount != 1 {
		t.Errorf("expected errors_count 1, got %d", a.Health().ErrorsCount)
	}
}

func TestInvalidTaskBecomesFailureResult(t *testing.T) {
	// Production adapters validate registered payloads at the boundary, but
	// the runtime revalidates: a task that slips through must produce a
	// correlated failure result, never reach the executor.
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		t.Fatal("executor must not run for an invalid envelope")
		return nil, nil
	})
	a, b, _ := newTestAgent(t, executor, Config{Type: "monitoring"})

	bad := &envelope.AgentEnvelope{
		TaskID:     uuid.New().String(),
		WorkflowID: uuid.New().String(),
		AgentType:  "monitoring",
		Priority:   envelope.PriorityMedium,
		Status:     envelope.TaskQueued,
		MaxRetries: 3,
		TimeoutMS:  500, // below the 1s floor
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: "app",
			CurrentStage: "monitoring",
		},
		EnvelopeVersion: envelope.EnvelopeVersion,
	}
	if err := a.handleTask(context.Background(), mustRawEnvelope(t, bad)); err != nil {
		t.Fatalf("handleTask: %v", err)
	}

	results := publishedResults(t, b)
	if len(results) != 1 || results[0].Status != envelope.TaskFailure {
		t.Fatalf("expected a failure result for the invalid envelope, got %+v", results)
	}
	if results[0].TaskID != bad.TaskID {
		t.Error("failure result must stay correlated")
	}
}

// mustRawEnvelope wraps a payload that would fail envelope.New validation.
func mustRawEnvelope(t *testing.T, task *envelope.AgentEnvelope) *envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &envelope.Envelope{
		ID:        uuid.New().String(),
		Type:      envelope.AgentTaskType,
		Timestamp: time.Now().UTC(),
		Meta:      envelope.Meta{Version: envelope.EnvelopeVersion},
		Payload:   raw,
	}
}

func TestHealthThresholds(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		return nil, errors.New("boom")
	})
	a, b, _ := newTestAgent(t, executor, Config{Type: "debug"})
	ctx := context.Background()

	if got := a.Health().Status; got != StatusHealthy {
		t.Fatalf("fresh agent health %s, want healthy", got)
	}

	fail := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			env, _ := taskEnvelope(t, "debug", "debugging")
			if err := b.Publish(ctx, bus.AgentTasksTopic("debug"), env, bus.PublishOptions{Durable: true}); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}

	fail(6)
	if got := a.Health(); got.Status != StatusDegraded {
		t.Errorf("after 6 errors: %s, want degraded", got.Status)
	}
	fail(5)
	if got := a.Health(); got.Status != StatusUnhealthy {
		t.Errorf("after 11 errors: %s, want unhealthy", got.Status)
	}
	if got := a.Health().TasksProcessed; got != 11 {
		t.Errorf("tasks_processed %d, want 11", got)
	}
	if a.Health().LastTaskAt == nil {
		t.Error("last_task_at must be set after processing")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
		return &envelope.TaskResult{Status: envelope.TaskSuccess, CompletedAt: time.Now().UTC()}, nil
	})
	b := membus.New(nil)
	store := memkv.New()
	ctx := context.Background()

	a, err := New(b, store, executor, Config{
		Type:         "scaffold",
		Version:      "1.2.0",
		Capabilities: []string{"go", "typescript"},
		Retry:        fastRetry(),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reg, err := GetAgent(ctx, store, a.ID())
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if reg.Type != "scaffold" || reg.Version != "1.2.0" {
		t.Errorf("unexpected registration %+v", reg)
	}

	all, err := ListAgents(ctx, store)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(all) != 1 || all[0].AgentID != a.ID() {
		t.Errorf("unexpected listing %+v", all)
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := GetAgent(ctx, store, a.ID()); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected deregistration, got %v", err)
	}
	all, err = ListAgents(ctx, store)
	if err != nil {
		t.Fatalf("ListAgents after stop: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty listing after stop, got %+v", all)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Type: "scaffold"}, true},
		{"custom type", Config{Type: "ml-training"}, true},
		{"missing type", Config{}, false},
		{"not kebab", Config{Type: "Not_Kebab"}, false},
		{"negative concurrency", Config{Type: "scaffold", MaxConcurrent: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected an error")
			}
		})
	}
}
