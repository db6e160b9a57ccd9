// Package agent implements the runtime every agent process shares:
// subscription on the per-type task topic, envelope validation and
// deduplication, retried execution, result reporting, the registry entry,
// and health. Executors plug in the actual work.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/kvstore"
	"github.com/c360studio/stagecraft/llm"
	"github.com/c360studio/stagecraft/resilience"
)

// Executor runs one task. Implementations return a terminal TaskResult or
// an error; the runtime converts errors into failure results after the
// retry budget and never lets them escape as panics.
type Executor interface {
	Execute(ctx context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
	return f(ctx, task)
}

// Health statuses reported by an agent.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Error counts beyond these thresholds degrade the reported health.
const (
	degradedErrors  = 5
	unhealthyErrors = 10
)

// Health is the agent's self-reported condition.
type Health struct {
	Status         string     `json:"status"`
	UptimeMS       int64      `json:"uptime_ms"`
	TasksProcessed int64      `json:"tasks_processed"`
	ErrorsCount    int64      `json:"errors_count"`
	LastTaskAt     *time.Time `json:"last_task_at,omitempty"`
}

// Config parameterizes one agent process.
type Config struct {
	// Type is the kebab-case agent type this process serves.
	Type string

	// ID uniquely identifies this process in the registry. Defaults to
	// <type>-<uuid>. No two processes may share an id.
	ID string

	// Version is recorded in the registry entry.
	Version string

	// Capabilities is recorded in the registry entry.
	Capabilities []string

	// MaxConcurrent bounds in-flight executions. Defaults to 1; must not
	// exceed the agent's rated capacity.
	MaxConcurrent int

	// Retry wraps each execution. Defaults to the standard preset.
	Retry resilience.RetryConfig
}

// Validate checks the config before the process starts.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &envelope.ValidationError{Field: "type", Message: "agent type is required"}
	}
	if !envelope.ValidAgentType(c.Type) {
		return &envelope.ValidationError{Field: "type", Message: fmt.Sprintf("agent type %q is not kebab-case", c.Type)}
	}
	if c.MaxConcurrent < 0 {
		return &envelope.ValidationError{Field: "max_concurrent", Message: "must be non-negative"}
	}
	return nil
}

// Agent is one long-running agent process.
type Agent struct {
	cfg      Config
	bus      bus.Bus
	store    kvstore.Store
	executor Executor
	logger   *slog.Logger

	sem       chan struct{}
	unsub     bus.Unsubscribe
	startedAt time.Time

	tasksProcessed atomic.Int64
	errorsCount    atomic.Int64
	lastTaskAt     atomic.Int64 // unix nanos, 0 when no task yet
}

// New creates an agent runtime. The executor is attached here, before any
// subscription exists, so no task can arrive without a handler.
func New(b bus.Bus, store kvstore.Store, executor Executor, cfg Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, &envelope.ValidationError{Field: "executor", Message: "executor is required"}
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Type + "-" + uuid.New().String()
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.StandardRetry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		cfg:      cfg,
		bus:      b,
		store:    store,
		executor: executor,
		logger:   logger.With("agent_id", cfg.ID, "agent_type", cfg.Type),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// ID returns the agent's registry id.
func (a *Agent) ID() string { return a.cfg.ID }

// Start registers the agent and subscribes to its task topic.
func (a *Agent) Start(ctx context.Context) error {
	a.startedAt = time.Now()

	if err := Register(ctx, a.store, Registration{
		AgentID:      a.cfg.ID,
		Type:         a.cfg.Type,
		Version:      a.cfg.Version,
		Capabilities: a.cfg.Capabilities,
		RegisteredAt: a.startedAt.UTC(),
	}); err != nil {
		return fmt.Errorf("register agent %s: %w", a.cfg.ID, err)
	}

	unsub, err := a.bus.Subscribe(ctx, bus.AgentTasksTopic(a.cfg.Type), a.handleTask, bus.SubscribeOptions{
		Durable:       true,
		ConsumerGroup: "agents-" + a.cfg.Type,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.AgentTasksTopic(a.cfg.Type), err)
	}
	a.unsub = unsub

	a.logger.Info("Agent started", "topic", bus.AgentTasksTopic(a.cfg.Type))
	return nil
}

// Stop deregisters, unsubscribes, and drains in-flight executions.
func (a *Agent) Stop(ctx context.Context) error {
	if a.unsub != nil {
		if err := a.unsub(); err != nil {
			a.logger.Warn("Unsubscribe failed", "error", err)
		}
		a.unsub = nil
	}

	// Drain: take every semaphore slot.
	for i := 0; i < a.cfg.MaxConcurrent; i++ {
		select {
		case a.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := Deregister(ctx, a.store, a.cfg.ID); err != nil {
		a.logger.Warn("Deregister failed", "error", err)
	}
	a.logger.Info("Agent stopped",
		"tasks_processed", a.tasksProcessed.Load(),
		"errors", a.errorsCount.Load())
	return nil
}

// Health reports the agent's condition for registry consumers and probes.
func (a *Agent) Health() Health {
	errs := a.errorsCount.Load()
	status := StatusHealthy
	switch {
	case errs > unhealthyErrors:
		status = StatusUnhealthy
	case errs > degradedErrors:
		status = StatusDegraded
	}

	h := Health{
		Status:         status,
		UptimeMS:       time.Since(a.startedAt).Milliseconds(),
		TasksProcessed: a.tasksProcessed.Load(),
		ErrorsCount:    errs,
	}
	if ns := a.lastTaskAt.Load(); ns > 0 {
		t := time.Unix(0, ns)
		h.LastTaskAt = &t
	}
	return h
}

// handleTask processes one task envelope end to end.
func (a *Agent) handleTask(ctx context.Context, env *envelope.Envelope) error {
	fresh, err := resilience.DeduplicateEvent(ctx, a.store, env.ID, 0)
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", env.ID, err)
	}
	if !fresh {
		a.logger.Debug("Duplicate task envelope ignored", "envelope_id", env.ID)
		return nil
	}

	var task envelope.AgentEnvelope
	if err := env.DecodePayload(&task); err != nil {
		a.logger.Error("Undecodable task envelope", "envelope_id", env.ID, "error", err)
		a.errorsCount.Add(1)
		return nil
	}

	// The workflow-stage tag on the result is the workflow's current stage,
	// not the agent type; the agent type is the fallback when context is
	// missing.
	stage := task.WorkflowContext.CurrentStage
	if stage == "" {
		stage = a.cfg.Type
	}

	if err := task.Validate(); err != nil {
		a.errorsCount.Add(1)
		if task.TaskID == "" || task.WorkflowID == "" {
			// Nothing to correlate a failure result with.
			a.logger.Error("Invalid task envelope dropped", "envelope_id", env.ID, "error", err)
			return nil
		}
		return a.report(ctx, a.failureResult(&task, stage, fmt.Sprintf("invalid task envelope: %v", err)))
	}

	a.sem <- struct{}{}
	defer func() { <-a.sem }()

	a.lastTaskAt.Store(time.Now().UnixNano())
	started := time.Now()

	result, err := a.execute(ctx, &task)
	if err != nil {
		result = a.failureResult(&task, stage, err.Error())
	}
	a.tasksProcessed.Add(1)

	result.TaskID = task.TaskID
	result.WorkflowID = task.WorkflowID
	result.AgentID = a.cfg.ID
	result.Stage = stage
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	if result.Metrics.DurationMS == 0 {
		result.Metrics.DurationMS = time.Since(started).Milliseconds()
	}
	if !result.Succeeded() {
		a.errorsCount.Add(1)
	}

	return a.report(ctx, result)
}

// execute runs the executor under the retry preset. Fatal model errors and
// an open breaker stop retrying immediately.
func (a *Agent) execute(ctx context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
	var result *envelope.TaskResult
	cfg := a.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		a.logger.Warn("Execution retry",
			"task_id", task.TaskID,
			"attempt", attempt,
			"error", err)
	}

	err := resilience.Retry(ctx, cfg, func() error {
		r, err := a.executor.Execute(ctx, task)
		if err != nil {
			if llm.IsFatal(err) || errors.Is(err, resilience.ErrCircuitOpen) {
				return resilience.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("executor returned no result")
	}
	return result, nil
}

// failureResult builds the failure TaskResult reported when execution or
// validation fails. Execution failures surface as results, never panics.
func (a *Agent) failureResult(task *envelope.AgentEnvelope, stage, errMsg string) *envelope.TaskResult {
	return &envelope.TaskResult{
		TaskID:      task.TaskID,
		WorkflowID:  task.WorkflowID,
		AgentID:     a.cfg.ID,
		Stage:       stage,
		Status:      envelope.TaskFailure,
		Errors:      []string{errMsg},
		CompletedAt: time.Now().UTC(),
	}
}

// report publishes the result to orchestrator:results, mirrored durable.
func (a *Agent) report(ctx context.Context, result *envelope.TaskResult) error {
	env, err := envelope.New(envelope.TaskResultType, result,
		envelope.WithCorrelationID(result.WorkflowID),
		envelope.WithSource(a.cfg.ID))
	if err != nil {
		return fmt.Errorf("build result envelope: %w", err)
	}
	if err := a.bus.Publish(ctx, bus.TopicResults, env, bus.PublishOptions{
		Durable:        true,
		MirrorToStream: true,
	}); err != nil {
		return fmt.Errorf("publish result for task %s: %w", result.TaskID, err)
	}

	a.logger.Debug("Result reported",
		"task_id", result.TaskID,
		"workflow_id", result.WorkflowID,
		"stage", result.Stage,
		"status", result.Status)
	return nil
}

// OutputSummary wraps free-text executor output as an opaque JSON payload.
func OutputSummary(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"summary": text})
	return raw
}
