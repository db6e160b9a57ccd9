// Package engine runs workflows: it consumes agent results, advances the
// per-workflow state machine through the definition resolver, dispatches
// stage tasks, synthesizes timeouts, and persists every transition through
// the state manager.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/kvstore"
	"github.com/c360studio/stagecraft/resilience"
	"github.com/c360studio/stagecraft/workflow"
)

// DefaultConsumerGroup shares the results subscription across engine
// instances.
const DefaultConsumerGroup = "engine"

// DefaultTerminalRetention is how long a finished workflow stays in memory
// before it ages out. Reads after that fall through to the KV snapshot.
const DefaultTerminalRetention = 5 * time.Minute

// skippedOutput is recorded in stage_outputs for stages routed through
// on_failure=skip.
var skippedOutput = json.RawMessage(`"skipped"`)

// CreateRequest admits a new workflow.
type CreateRequest struct {
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	PlatformID string            `json:"platform_id,omitempty"`
	Priority   envelope.Priority `json:"priority,omitempty"`
}

// ListFilter narrows ListWorkflows. Zero fields match everything.
type ListFilter struct {
	Status     workflow.WorkflowStatus
	Type       string
	PlatformID string
}

// Metrics is a point-in-time view of engine counters.
type Metrics struct {
	Dispatches              int64 `json:"dispatches"`
	DuplicateResultsIgnored int64 `json:"duplicate_results_ignored"`
	LateResultsDiscarded    int64 `json:"late_results_discarded"`
	TimeoutsSynthesized     int64 `json:"timeouts_synthesized"`
	ConflictRetries         int64 `json:"conflict_retries"`
	ActiveWorkflows         int   `json:"active_workflows"`
}

// Engine owns every workflow it has admitted or recovered, from creation
// until the retention window after it finishes. Events for one workflow are
// serialized under the engine mutex plus the distributed workflow lock;
// every persisted mutation is CAS-guarded by workflow.version.
type Engine struct {
	bus      bus.Bus
	store    kvstore.Store
	resolver *workflow.Resolver
	state    *StateManager
	logger   *slog.Logger

	instanceID    string
	consumerGroup string
	retention     time.Duration

	mu         sync.Mutex
	workflows  map[string]*workflow.Workflow
	timers     map[string]*time.Timer
	evictions  map[string]*time.Timer        // workflow id -> retention expiry
	dispatched map[string]*envelope.Envelope // workflow id -> in-flight task envelope
	running    bool
	runCtx     context.Context
	unsubs     []bus.Unsubscribe

	dispatches       atomic.Int64
	duplicateResults atomic.Int64
	lateResults      atomic.Int64
	timeoutsSeen     atomic.Int64
	conflictRetries  atomic.Int64
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithInstanceID overrides the generated engine instance id.
func WithInstanceID(id string) Option {
	return func(e *Engine) { e.instanceID = id }
}

// WithConsumerGroup overrides the results consumer group.
func WithConsumerGroup(group string) Option {
	return func(e *Engine) { e.consumerGroup = group }
}

// WithTerminalRetention overrides how long finished workflows stay in
// memory before aging out.
func WithTerminalRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// New creates an engine over the given fabric, store, and resolver.
func New(b bus.Bus, store kvstore.Store, resolver *workflow.Resolver, opts ...Option) *Engine {
	e := &Engine{
		bus:           b,
		store:         store,
		resolver:      resolver,
		logger:        slog.Default(),
		instanceID:    uuid.New().String(),
		consumerGroup: DefaultConsumerGroup,
		retention:     DefaultTerminalRetention,
		workflows:     make(map[string]*workflow.Workflow),
		timers:        make(map[string]*time.Timer),
		evictions:     make(map[string]*time.Timer),
		dispatched:    make(map[string]*envelope.Envelope),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = NewStateManager(store, e.instanceID, e.logger)
	return e
}

// State exposes the state manager for recovery tooling.
func (e *Engine) State() *StateManager { return e.state }

// Start subscribes to the results topic (durable, shared consumer group)
// and the workflow event ticker (definition-cache invalidation).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}
	e.runCtx = ctx

	unsubResults, err := e.bus.Subscribe(ctx, bus.TopicResults, e.handleResult, bus.SubscribeOptions{
		Durable:       true,
		ConsumerGroup: e.consumerGroup,
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	unsubEvents, err := e.bus.Subscribe(ctx, bus.TopicEvents, e.handleEvent, bus.SubscribeOptions{})
	if err != nil {
		_ = unsubResults()
		return fmt.Errorf("subscribe events: %w", err)
	}

	e.unsubs = []bus.Unsubscribe{unsubResults, unsubEvents}
	e.running = true
	e.logger.Info("Workflow engine started",
		"instance_id", e.instanceID,
		"consumer_group", e.consumerGroup)
	return nil
}

// Stop tears down subscriptions, stops timers, and releases the locks this
// instance holds.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.running = false
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	for id, timer := range e.evictions {
		timer.Stop()
		delete(e.evictions, id)
	}
	ids := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, unsub := range unsubs {
		if err := unsub(); err != nil {
			e.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
	for _, id := range ids {
		if err := e.state.ReleaseLock(ctx, id); err != nil {
			e.logger.Warn("Lock release failed", "workflow_id", id, "error", err)
		}
	}
	e.logger.Info("Workflow engine stopped", "instance_id", e.instanceID)
}

// Metrics returns the engine counters. ActiveWorkflows counts only
// non-terminal workflows; finished ones awaiting retention eviction are
// excluded.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	active := 0
	for _, w := range e.workflows {
		if !w.Status.Terminal() {
			active++
		}
	}
	e.mu.Unlock()
	return Metrics{
		Dispatches:              e.dispatches.Load(),
		DuplicateResultsIgnored: e.duplicateResults.Load(),
		LateResultsDiscarded:    e.lateResults.Load(),
		TimeoutsSynthesized:     e.timeoutsSeen.Load(),
		ConflictRetries:         e.conflictRetries.Load(),
		ActiveWorkflows:         active,
	}
}

// CreateWorkflow admits a workflow, transitions it to running, and
// dispatches its first stage.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateRequest) (*workflow.Workflow, error) {
	if req.Type == "" {
		return nil, &envelope.ValidationError{Field: "type", Message: "is required"}
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, &envelope.ValidationError{Field: "priority", Message: "unknown priority " + string(req.Priority)}
	}

	w := workflow.New(req.Type, req.PlatformID, req.Priority)
	w.Name = req.Name

	entry, err := e.resolver.Resolve(ctx, workflow.Request{
		WorkflowType: w.Type,
		PlatformID:   w.PlatformID,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve entry stage: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if owned, err := e.state.AcquireLock(ctx, w.ID); err != nil {
		return nil, err
	} else if !owned {
		return nil, ErrLockHeld
	}

	w.Status = workflow.StatusRunning
	e.publishEvent(ctx, w.ID, workflow.EventCreated, &workflow.CreatedEvent{
		WorkflowID: w.ID,
		Type:       w.Type,
		PlatformID: w.PlatformID,
		Priority:   string(w.Priority),
	})

	if err := e.dispatchLocked(ctx, w, entry, false); err != nil {
		return nil, err
	}
	if err := e.state.SaveSnapshot(ctx, w); err != nil {
		return nil, err
	}
	e.workflows[w.ID] = w

	e.logger.Info("Workflow created",
		"workflow_id", w.ID,
		"type", w.Type,
		"platform_id", w.PlatformID,
		"first_stage", w.CurrentStage,
		"fallback", entry.IsFallback)
	return w, nil
}

// GetWorkflow returns an active workflow, or reads its last persisted
// record for workflows this instance does not own.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	e.mu.Lock()
	w, ok := e.workflows[id]
	e.mu.Unlock()
	if ok {
		return w, nil
	}
	recovered, _, err := e.state.RecoverWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// ListWorkflows returns the active workflows matching filter, oldest first.
func (e *Engine) ListWorkflows(filter ListFilter) []*workflow.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*workflow.Workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Type != "" && w.Type != filter.Type {
			continue
		}
		if filter.PlatformID != "" && w.PlatformID != filter.PlatformID {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PauseWorkflow freezes dispatching. In-flight work keeps running; its
// result is applied but no next stage is dispatched until resume.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	return e.apply(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusRunning {
			return fmt.Errorf("pause from %s: %w", w.Status, ErrInvalidTransition)
		}
		w.Status = workflow.StatusPaused
		e.publishEvent(ctx, w.ID, workflow.EventPaused, &workflow.AdminEvent{WorkflowID: w.ID, Stage: w.CurrentStage})
		return nil
	})
}

// ResumeWorkflow continues a paused workflow, dispatching the current stage
// if nothing is in flight.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	return e.apply(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusPaused {
			return fmt.Errorf("resume from %s: %w", w.Status, ErrInvalidTransition)
		}
		w.Status = workflow.StatusRunning
		e.publishEvent(ctx, w.ID, workflow.EventResumed, &workflow.AdminEvent{WorkflowID: w.ID, Stage: w.CurrentStage})
		if w.Dispatch == nil && w.CurrentStage != "" {
			return e.dispatchCurrentLocked(ctx, w)
		}
		return nil
	})
}

// CancelWorkflow drains the outstanding dispatch and terminates the
// workflow regardless of in-flight results. Cancellation is eventual:
// running agent work is not forcibly killed, its late result is discarded.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	return e.apply(ctx, id, func(w *workflow.Workflow) error {
		if w.Status.Terminal() {
			return fmt.Errorf("cancel %s: %w", w.Status, ErrTerminal)
		}
		e.finishLocked(ctx, w, workflow.StatusCancelled, "cancelled by operator")
		return nil
	})
}

// RetryWorkflow re-runs the failing stage of a failed workflow.
func (e *Engine) RetryWorkflow(ctx context.Context, id string) error {
	return e.apply(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusFailed {
			return fmt.Errorf("retry from %s: %w", w.Status, ErrInvalidTransition)
		}
		e.stopEvictionLocked(w.ID)
		w.Status = workflow.StatusRunning
		w.CompletedAt = nil
		w.LastError = ""
		w.StageAttempts = 0
		return e.dispatchCurrentLocked(ctx, w)
	})
}

// RecoverWorkflow loads a persisted workflow into this instance and re-arms
// its dispatch deadline. Used on engine restart.
func (e *Engine) RecoverWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, cp, err := e.state.RecoverWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return w, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if owned, err := e.state.AcquireLock(ctx, id); err != nil {
		return nil, err
	} else if !owned {
		return nil, ErrLockHeld
	}

	e.workflows[w.ID] = w
	if w.Dispatch != nil {
		// The in-flight task may still complete; re-arm the deadline for
		// the time remaining rather than re-dispatching.
		remaining := time.Duration(w.Dispatch.TimeoutMS)*time.Millisecond -
			time.Since(w.Dispatch.DispatchedAt)
		if remaining < time.Second {
			remaining = time.Second
		}
		e.armTimeoutLocked(w.ID, w.Dispatch.TaskID, remaining)
	}

	var checkpoint string
	if cp != nil {
		checkpoint = cp.LastProcessedMessageID
	}
	e.logger.Info("Workflow recovered",
		"workflow_id", w.ID,
		"status", w.Status,
		"current_stage", w.CurrentStage,
		"progress", w.Progress,
		"checkpoint", checkpoint)
	return w, nil
}

// handleResult consumes one envelope from orchestrator:results.
func (e *Engine) handleResult(ctx context.Context, env *envelope.Envelope) error {
	fresh, err := resilience.DeduplicateEvent(ctx, e.store, env.ID, 0)
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", env.ID, err)
	}
	if !fresh {
		e.duplicateResults.Add(1)
		return nil
	}
	if env.Type != envelope.TaskResultType {
		e.logger.Debug("Ignoring non-result envelope on results topic", "type", env.Type)
		return nil
	}

	var result envelope.TaskResult
	if err := env.DecodePayload(&result); err != nil {
		return fmt.Errorf("decode task result: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[result.WorkflowID]
	if !ok {
		// Unknown here: either a foreign instance owns it or it finished
		// and aged out. Acknowledge and discard.
		e.lateResults.Add(1)
		e.logger.Debug("Result for unknown workflow discarded",
			"workflow_id", result.WorkflowID,
			"task_id", result.TaskID)
		return nil
	}

	if owned, err := e.state.AcquireLock(ctx, w.ID); err != nil {
		return err
	} else if !owned {
		return fmt.Errorf("result for %s: %w", w.ID, ErrLockHeld)
	}

	if w.Status.Terminal() {
		e.lateResults.Add(1)
		return nil
	}
	if w.Dispatch == nil || w.Dispatch.TaskID != result.TaskID {
		e.duplicateResults.Add(1)
		e.logger.Debug("Late duplicate result ignored",
			"workflow_id", w.ID,
			"task_id", result.TaskID)
		return nil
	}

	if err := e.applyOutcomeLocked(ctx, w, &result); err != nil {
		return err
	}
	if err := e.persistLocked(ctx, w); err != nil {
		// The transition did not land; release the ledger claim so a
		// redelivery of this envelope is not mistaken for a duplicate.
		if forgetErr := resilience.ForgetEvent(ctx, e.store, env.ID); forgetErr != nil {
			e.logger.Warn("Ledger release failed", "envelope_id", env.ID, "error", forgetErr)
		}
		return err
	}
	if err := e.state.SaveCheckpoint(ctx, w.ID, env.ID); err != nil {
		e.logger.Warn("Checkpoint save failed", "workflow_id", w.ID, "error", err)
	}
	return nil
}

// handleEvent watches the workflow ticker for definition-cache
// invalidation broadcasts.
func (e *Engine) handleEvent(_ context.Context, env *envelope.Envelope) error {
	if env.Type != workflow.EventDefinitionUpdated {
		return nil
	}
	var update workflow.DefinitionUpdatedEvent
	if err := env.DecodePayload(&update); err != nil {
		return nil
	}
	if update.PlatformID == "" {
		e.resolver.InvalidateAll()
	} else {
		e.resolver.Invalidate(update.PlatformID, update.WorkflowType)
	}
	return nil
}

// applyOutcomeLocked advances the state machine for one matched result.
// Caller holds the mutex and the workflow lock; the outstanding dispatch
// matches the result.
func (e *Engine) applyOutcomeLocked(ctx context.Context, w *workflow.Workflow, result *envelope.TaskResult) error {
	stage := w.CurrentStage
	e.stopTimeoutLocked(w.ID)

	if result.Succeeded() {
		if len(result.Output) > 0 {
			w.StageOutputs[stage] = result.Output
		}
		e.publishEvent(ctx, w.ID, workflow.EventStageCompleted, &workflow.StageEvent{
			WorkflowID: w.ID,
			Stage:      stage,
			AgentType:  w.Dispatch.AgentType,
			Attempt:    w.StageAttempts,
			IsFallback: w.Dispatch.IsFallback,
			DurationMS: result.Metrics.DurationMS,
		})
		return e.advanceLocked(ctx, w, stage, false)
	}

	errMsg := firstError(result)
	e.publishEvent(ctx, w.ID, workflow.EventStageFailed, &workflow.StageEvent{
		WorkflowID: w.ID,
		Stage:      stage,
		AgentType:  w.Dispatch.AgentType,
		Attempt:    w.StageAttempts,
		Error:      errMsg,
		IsFallback: w.Dispatch.IsFallback,
	})

	// Stage retry budget: StageAttempts counts dispatches, so retries used
	// so far is StageAttempts-1.
	if w.StageAttempts-1 < w.Dispatch.Retry.MaxRetries {
		return e.redispatchLocked(ctx, w, errMsg)
	}

	w.LastError = errMsg
	return e.advanceLocked(ctx, w, stage, true)
}

// advanceLocked resolves the transition out of stage and either dispatches
// the next stage or finishes the workflow.
func (e *Engine) advanceLocked(ctx context.Context, w *workflow.Workflow, stage string, failed bool) error {
	wasFallback := w.Dispatch != nil && w.Dispatch.IsFallback

	res, err := e.resolver.Resolve(ctx, workflow.Request{
		WorkflowType: w.Type,
		PlatformID:   w.PlatformID,
		CurrentStage: stage,
		Progress:     w.Progress,
		Failed:       failed,
	})
	if err != nil {
		// A definition that vanished mid-flight leaves no route at all;
		// fail the workflow rather than wedge it.
		e.logger.Error("Stage resolution failed",
			"workflow_id", w.ID,
			"stage", stage,
			"error", err)
		w.LastError = err.Error()
		e.finishLocked(ctx, w, workflow.StatusFailed, "stage resolution failed: "+err.Error())
		return nil
	}

	if res.IsFallback && w.PlatformID != "" && !wasFallback {
		e.publishEvent(ctx, w.ID, workflow.EventDefinitionGone, &workflow.DefinitionGoneEvent{
			WorkflowID:   w.ID,
			PlatformID:   w.PlatformID,
			WorkflowType: w.Type,
			Reason:       res.FallbackReason,
		})
		e.logger.Warn("Definition gone, using built-in sequence",
			"workflow_id", w.ID,
			"platform_id", w.PlatformID,
			"reason", res.FallbackReason)
	}

	if res.Skipped {
		w.StageOutputs[stage] = skippedOutput
	}
	w.Progress = res.NewProgress

	if res.Terminal {
		if res.TerminalFailure {
			e.finishLocked(ctx, w, workflow.StatusFailed, w.LastError)
		} else {
			e.finishLocked(ctx, w, workflow.StatusSucceeded, "")
		}
		return nil
	}

	w.PreviousStage = stage
	if w.Status == workflow.StatusPaused {
		// Pause after an in-flight result: the transition is applied but
		// the next dispatch waits for resume.
		w.CurrentStage = res.NextStage
		w.Dispatch = nil
		w.StageAttempts = 0
		delete(e.dispatched, w.ID)
		return nil
	}
	return e.dispatchLocked(ctx, w, res, false)
}

// dispatchLocked sends the task for res.NextStage and records it as the
// workflow's single outstanding dispatch.
func (e *Engine) dispatchLocked(ctx context.Context, w *workflow.Workflow, res *workflow.Resolution, retry bool) error {
	if retry {
		w.StageAttempts++
	} else {
		w.CurrentStage = res.NextStage
		w.StageAttempts = 1
	}

	task := &envelope.AgentEnvelope{
		TaskID:     uuid.New().String(),
		WorkflowID: w.ID,
		AgentType:  res.AgentType,
		Priority:   w.Priority,
		Status:     envelope.TaskQueued,
		RetryCount: w.StageAttempts - 1,
		MaxRetries: res.RetryStrategy.MaxRetries,
		TimeoutMS:  res.TimeoutMS,
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType:  w.Type,
			WorkflowName:  w.Name,
			CurrentStage:  w.CurrentStage,
			PreviousStage: w.PreviousStage,
			StageOutputs:  w.StageOutputs,
		},
		EnvelopeVersion: envelope.EnvelopeVersion,
	}

	env, err := envelope.New(envelope.AgentTaskType, task,
		envelope.WithCorrelationID(w.ID),
		envelope.WithSource("engine"))
	if err != nil {
		return fmt.Errorf("build task envelope: %w", err)
	}

	topic := bus.AgentTasksTopic(res.AgentType)
	if err := e.bus.Publish(ctx, topic, env, bus.PublishOptions{Durable: true}); err != nil {
		return fmt.Errorf("dispatch %s: %w", topic, err)
	}
	e.dispatches.Add(1)

	w.Dispatch = &workflow.StageDispatch{
		TaskID:       task.TaskID,
		Stage:        w.CurrentStage,
		AgentType:    res.AgentType,
		TimeoutMS:    res.TimeoutMS,
		Retry:        res.RetryStrategy,
		IsFallback:   res.IsFallback,
		DispatchedAt: time.Now().UTC(),
	}
	e.dispatched[w.ID] = env
	e.armTimeoutLocked(w.ID, task.TaskID, time.Duration(res.TimeoutMS)*time.Millisecond)

	e.logger.Debug("Stage dispatched",
		"workflow_id", w.ID,
		"stage", w.CurrentStage,
		"agent_type", res.AgentType,
		"task_id", task.TaskID,
		"attempt", w.StageAttempts)
	return nil
}

// redispatchLocked retries the current stage with a retry envelope: same
// task, fresh envelope id, attempts incremented.
func (e *Engine) redispatchLocked(ctx context.Context, w *workflow.Workflow, lastErr string) error {
	orig, ok := e.dispatched[w.ID]
	if !ok {
		// Dispatch envelope lost across a restart; rebuild from the
		// recorded stage parameters.
		res, err := e.resolver.Stage(ctx, w.Type, w.PlatformID, w.CurrentStage)
		if err != nil {
			return err
		}
		return e.dispatchLocked(ctx, w, res, true)
	}

	w.StageAttempts++
	env := envelope.NewRetry(orig, errors.New(lastErr))
	topic := bus.AgentTasksTopic(w.Dispatch.AgentType)
	if err := e.bus.Publish(ctx, topic, env, bus.PublishOptions{Durable: true}); err != nil {
		return fmt.Errorf("redispatch %s: %w", topic, err)
	}
	e.dispatches.Add(1)

	w.Dispatch.DispatchedAt = time.Now().UTC()
	e.dispatched[w.ID] = env
	e.armTimeoutLocked(w.ID, w.Dispatch.TaskID, time.Duration(w.Dispatch.TimeoutMS)*time.Millisecond)

	e.logger.Info("Stage retry dispatched",
		"workflow_id", w.ID,
		"stage", w.CurrentStage,
		"attempt", w.StageAttempts,
		"last_error", lastErr)
	return nil
}

// dispatchCurrentLocked dispatches the current stage from its recorded
// definition parameters. Used by resume and retry.
func (e *Engine) dispatchCurrentLocked(ctx context.Context, w *workflow.Workflow) error {
	res, err := e.resolver.Stage(ctx, w.Type, w.PlatformID, w.CurrentStage)
	if err != nil {
		return err
	}
	return e.dispatchLocked(ctx, w, res, false)
}

// finishLocked applies terminal bookkeeping: completed_at, completion
// event, timer teardown, lock release, and the retention eviction that
// eventually ages the workflow out of memory.
func (e *Engine) finishLocked(ctx context.Context, w *workflow.Workflow, status workflow.WorkflowStatus, reason string) {
	now := time.Now().UTC()
	w.Status = status
	w.CompletedAt = &now
	w.Dispatch = nil
	e.stopTimeoutLocked(w.ID)
	delete(e.dispatched, w.ID)
	e.scheduleEvictionLocked(w.ID)

	eventType := workflow.EventCompleted
	switch status {
	case workflow.StatusFailed:
		eventType = workflow.EventFailed
	case workflow.StatusCancelled:
		eventType = workflow.EventCancelled
	}
	e.publishEvent(ctx, w.ID, eventType, &workflow.TerminalEvent{
		WorkflowID: w.ID,
		Status:     string(status),
		Progress:   w.Progress,
		FinalStage: w.CurrentStage,
		Reason:     reason,
		DurationMS: now.Sub(w.StartedAt).Milliseconds(),
	})

	if err := e.state.ReleaseLock(ctx, w.ID); err != nil {
		e.logger.Warn("Lock release failed", "workflow_id", w.ID, "error", err)
	}

	e.logger.Info("Workflow finished",
		"workflow_id", w.ID,
		"status", status,
		"progress", w.Progress,
		"final_stage", w.CurrentStage,
		"reason", reason)
}

// scheduleEvictionLocked arms the retention timer that removes a finished
// workflow from memory. Later reads are served from the persisted snapshot;
// its results land in the unknown-workflow path as late results.
func (e *Engine) scheduleEvictionLocked(id string) {
	e.stopEvictionLocked(id)
	e.evictions[id] = time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.evictions, id)
		if w, ok := e.workflows[id]; ok && w.Status.Terminal() {
			delete(e.workflows, id)
		}
	})
}

func (e *Engine) stopEvictionLocked(id string) {
	if timer, ok := e.evictions[id]; ok {
		timer.Stop()
		delete(e.evictions, id)
	}
}

// apply runs one administrative mutation under the engine mutex, the
// distributed lock, and CAS persistence.
func (e *Engine) apply(ctx context.Context, id string, fn func(w *workflow.Workflow) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if owned, err := e.state.AcquireLock(ctx, id); err != nil {
		return err
	} else if !owned {
		return fmt.Errorf("workflow %s: %w", id, ErrLockHeld)
	}
	if err := fn(w); err != nil {
		return err
	}
	return e.persistLocked(ctx, w)
}

// persistLocked bumps the version and saves the snapshot, retrying the
// read-modify-write once on CAS conflict.
func (e *Engine) persistLocked(ctx context.Context, w *workflow.Workflow) error {
	w.Version++
	err := e.state.SaveSnapshot(ctx, w)
	if errors.Is(err, ErrConflict) {
		// Transient double-ownership: refresh our view of the persisted
		// version and try once more.
		e.conflictRetries.Add(1)
		snap, loadErr := e.state.LoadSnapshot(ctx, w.ID)
		if loadErr != nil {
			return err
		}
		w.Version = snap.Version + 1
		err = e.state.SaveSnapshot(ctx, w)
	}
	return err
}

// armTimeoutLocked schedules TIMEOUT synthesis for a dispatch deadline.
func (e *Engine) armTimeoutLocked(workflowID, taskID string, d time.Duration) {
	e.stopTimeoutLocked(workflowID)
	e.timers[workflowID] = time.AfterFunc(d, func() {
		e.synthesizeTimeout(workflowID, taskID)
	})
}

func (e *Engine) stopTimeoutLocked(workflowID string) {
	if timer, ok := e.timers[workflowID]; ok {
		timer.Stop()
		delete(e.timers, workflowID)
	}
}

// synthesizeTimeout turns an elapsed dispatch deadline into a stage
// failure with error STAGE_TIMEOUT.
func (e *Engine) synthesizeTimeout(workflowID, taskID string) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[workflowID]
	if !ok || w.Status.Terminal() {
		return
	}
	if w.Dispatch == nil || w.Dispatch.TaskID != taskID {
		// The result arrived while the timer was firing.
		return
	}
	if owned, err := e.state.AcquireLock(ctx, workflowID); err != nil || !owned {
		e.logger.Warn("Timeout lock acquisition failed", "workflow_id", workflowID, "error", err)
		return
	}

	e.timeoutsSeen.Add(1)
	e.logger.Warn("Stage dispatch timed out",
		"workflow_id", workflowID,
		"stage", w.CurrentStage,
		"task_id", taskID,
		"timeout_ms", w.Dispatch.TimeoutMS)

	result := &envelope.TaskResult{
		TaskID:      taskID,
		WorkflowID:  workflowID,
		AgentID:     "engine-timeout",
		Stage:       w.CurrentStage,
		Status:      envelope.TaskTimeout,
		Errors:      []string{StageTimeoutError},
		CompletedAt: time.Now().UTC(),
	}
	if err := e.applyOutcomeLocked(ctx, w, result); err != nil {
		e.logger.Error("Timeout application failed", "workflow_id", workflowID, "error", err)
		return
	}
	if err := e.persistLocked(ctx, w); err != nil {
		e.logger.Error("Timeout persistence failed", "workflow_id", workflowID, "error", err)
	}
}

// publishEvent emits one typed event on the workflow ticker. Ticker
// publishes are mirrored for the aggregator but never fail a transition.
func (e *Engine) publishEvent(ctx context.Context, workflowID, eventType string, payload envelope.Payload) {
	env, err := envelope.New(eventType, payload,
		envelope.WithCorrelationID(workflowID),
		envelope.WithSource("engine"))
	if err != nil {
		e.logger.Error("Event build failed", "type", eventType, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, bus.TopicEvents, env, bus.PublishOptions{MirrorToStream: true}); err != nil {
		e.logger.Warn("Event publish failed", "type", eventType, "error", err)
	}
}

func firstError(result *envelope.TaskResult) string {
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return "agent reported " + string(result.Status)
}
