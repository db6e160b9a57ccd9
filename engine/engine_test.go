package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/bus/membus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/kvstore"
	"github.com/c360studio/stagecraft/kvstore/memkv"
	"github.com/c360studio/stagecraft/workflow"
)

// testSource serves definitions from a map so tests can delete them
// mid-workflow.
type testSource struct {
	defs map[string]*workflow.WorkflowDefinition
}

func (s *testSource) Definition(_ context.Context, platformID, workflowType string) (*workflow.WorkflowDefinition, error) {
	def, ok := s.defs[platformID+"/"+workflowType]
	if !ok {
		return nil, workflow.ErrDefinitionNotFound
	}
	return def, nil
}

func mlDefinition() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		PlatformID:   "ml-platform",
		WorkflowType: "app",
		Enabled:      true,
		Stages: []workflow.Stage{
			{
				Name: "data-preparation", AgentType: "data-validation",
				TimeoutMS: 60_000, RetryStrategy: workflow.RetryStrategy{MaxRetries: 2, BackoffMS: 500},
				OnSuccess: "model-training", OnFailure: "END", Weight: 30,
			},
			{
				Name: "model-training", AgentType: "ml-training",
				TimeoutMS: 600_000, RetryStrategy: workflow.RetryStrategy{MaxRetries: 2, BackoffMS: 1000},
				OnSuccess: "model-evaluation", OnFailure: "END", Weight: 50,
			},
			{
				Name: "model-evaluation", AgentType: "validation",
				TimeoutMS: 60_000, RetryStrategy: workflow.RetryStrategy{MaxRetries: 1, BackoffMS: 500},
				OnSuccess: "END", OnFailure: "END", Weight: 20,
			},
		},
	}
}

type testRig struct {
	engine *Engine
	bus    *membus.Bus
	store  *memkv.Store
	source *testSource

	// dispatchOrder records (stage, agent) pairs in dispatch order.
	dispatches []dispatchRecord
}

type dispatchRecord struct {
	Stage     string
	AgentType string
	TaskID    string
}

func newRig(t *testing.T, defs ...*workflow.WorkflowDefinition) *testRig {
	return newRigWith(t, nil, nil, defs...)
}

// newRigWith lets a test wrap the engine's store view (fault injection) and
// pass extra engine options. The rig keeps the raw memkv handle for direct
// assertions either way.
func newRigWith(t *testing.T, wrap func(kvstore.Store) kvstore.Store, opts []Option, defs ...*workflow.WorkflowDefinition) *testRig {
	t.Helper()

	rig := &testRig{
		bus:    membus.New(nil),
		store:  memkv.New(),
		source: &testSource{defs: make(map[string]*workflow.WorkflowDefinition)},
	}
	for _, def := range defs {
		rig.source.defs[def.PlatformID+"/"+def.WorkflowType] = def
	}

	var store kvstore.Store = rig.store
	if wrap != nil {
		store = wrap(store)
	}

	ctx := context.Background()
	resolver := workflow.NewResolver(rig.source)
	rig.engine = New(rig.bus, store, resolver, append([]Option{WithInstanceID("engine-test")}, opts...)...)
	if err := rig.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rig.engine.Stop(ctx) })

	// Observe every dispatched task.
	_, err := rig.bus.Subscribe(ctx, "agent:*:tasks", func(_ context.Context, env *envelope.Envelope) error {
		var task envelope.AgentEnvelope
		if err := env.DecodePayload(&task); err != nil {
			return err
		}
		rig.dispatches = append(rig.dispatches, dispatchRecord{
			Stage:     task.WorkflowContext.CurrentStage,
			AgentType: task.AgentType,
			TaskID:    task.TaskID,
		})
		return nil
	}, bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe tasks: %v", err)
	}
	return rig
}

func (r *testRig) completeStage(t *testing.T, w *workflow.Workflow, status envelope.TaskStatus, errs ...string) *envelope.Envelope {
	t.Helper()
	if w.Dispatch == nil {
		t.Fatal("no outstanding dispatch to complete")
	}
	return r.publishResult(t, w.ID, w.Dispatch.TaskID, w.CurrentStage, status, errs...)
}

func (r *testRig) publishResult(t *testing.T, workflowID, taskID, stage string, status envelope.TaskStatus, errs ...string) *envelope.Envelope {
	t.Helper()
	result := &envelope.TaskResult{
		TaskID:      taskID,
		WorkflowID:  workflowID,
		AgentID:     "agent-test-1",
		Stage:       stage,
		Status:      status,
		Output:      json.RawMessage(`{"ok":true}`),
		Errors:      errs,
		Metrics:     envelope.TaskMetrics{DurationMS: 42},
		CompletedAt: time.Now().UTC(),
	}
	env, err := envelope.New(envelope.TaskResultType, result,
		envelope.WithCorrelationID(workflowID),
		envelope.WithSource("agent-test"))
	if err != nil {
		t.Fatalf("build result envelope: %v", err)
	}
	if err := r.bus.Publish(context.Background(), bus.TopicResults, env, bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("publish result: %v", err)
	}
	return env
}

func (r *testRig) eventTypes() []string {
	var types []string
	for _, env := range r.bus.Log(bus.TopicEvents) {
		types = append(types, env.Type)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestHappyPathAppWorkflow(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeApp})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if w.Status != workflow.StatusRunning {
		t.Fatalf("expected running, got %s", w.Status)
	}
	if w.CurrentStage != workflow.StageInitialization {
		t.Fatalf("expected first stage initialization, got %s", w.CurrentStage)
	}

	seq, _ := workflow.BuiltinSequence(workflow.TypeApp)
	for range seq {
		rig.completeStage(t, w, envelope.TaskSuccess)
	}

	if w.Status != workflow.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", w.Status)
	}
	if w.Progress != 100 {
		t.Errorf("expected progress 100, got %d", w.Progress)
	}
	if w.CurrentStage != workflow.StageMonitoring {
		t.Errorf("expected final stage monitoring, got %s", w.CurrentStage)
	}
	if w.CompletedAt == nil {
		t.Error("terminal workflow must set completed_at")
	}

	// Exactly eight dispatches, one per stage, in order.
	if len(rig.dispatches) != 8 {
		t.Fatalf("expected 8 dispatches, got %d", len(rig.dispatches))
	}
	for i, d := range rig.dispatches {
		if d.Stage != seq[i] {
			t.Errorf("dispatch %d: stage %s, want %s", i, d.Stage, seq[i])
		}
		agent, _ := workflow.BuiltinAgent(seq[i])
		if d.AgentType != agent {
			t.Errorf("dispatch %d: agent %s, want %s", i, d.AgentType, agent)
		}
	}

	types := rig.eventTypes()
	if !hasEvent(types, workflow.EventCreated) || !hasEvent(types, workflow.EventCompleted) {
		t.Errorf("missing lifecycle events, got %v", types)
	}
}

func TestCustomDefinitionProgress(t *testing.T) {
	rig := newRig(t, mlDefinition())
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if w.Progress != 0 {
		t.Fatalf("expected progress 0 after create, got %d", w.Progress)
	}
	if w.Dispatch.IsFallback {
		t.Fatal("definition-backed dispatch must not be fallback")
	}

	wantProgress := []int{30, 80, 100}
	for i := 0; i < 3; i++ {
		rig.completeStage(t, w, envelope.TaskSuccess)
		if w.Progress != wantProgress[i] {
			t.Errorf("after stage %d: progress %d, want %d", i, w.Progress, wantProgress[i])
		}
	}
	if w.Status != workflow.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", w.Status)
	}

	wantAgents := []string{"data-validation", "ml-training", "validation"}
	if len(rig.dispatches) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(rig.dispatches))
	}
	for i, d := range rig.dispatches {
		if d.AgentType != wantAgents[i] {
			t.Errorf("dispatch %d: agent %s, want %s", i, d.AgentType, wantAgents[i])
		}
	}
}

func TestStageFailureRetryThenEnd(t *testing.T) {
	rig := newRig(t, mlDefinition())
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	rig.completeStage(t, w, envelope.TaskSuccess) // data-preparation

	if w.CurrentStage != "model-training" {
		t.Fatalf("expected model-training, got %s", w.CurrentStage)
	}

	// max_retries=2: three dispatches total, then on_failure=END fails the
	// workflow.
	for attempt := 0; attempt < 3; attempt++ {
		rig.completeStage(t, w, envelope.TaskFailure, "gpu pool exhausted")
	}

	if w.Status != workflow.StatusFailed {
		t.Errorf("expected failed, got %s", w.Status)
	}
	if w.CurrentStage != "model-training" {
		t.Errorf("expected current_stage model-training, got %s", w.CurrentStage)
	}
	if w.LastError != "gpu pool exhausted" {
		t.Errorf("expected preserved error, got %q", w.LastError)
	}

	trainingDispatches := 0
	for _, d := range rig.dispatches {
		if d.Stage == "model-training" {
			trainingDispatches++
		}
	}
	if trainingDispatches != 3 {
		t.Errorf("expected 3 model-training dispatches, got %d", trainingDispatches)
	}
	if !hasEvent(rig.eventTypes(), workflow.EventFailed) {
		t.Error("expected workflow.failed event")
	}
}

func TestLateDuplicateResult(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeBugfix})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	taskID := w.Dispatch.TaskID
	stage := w.CurrentStage
	rig.completeStage(t, w, envelope.TaskSuccess)

	advancedStage := w.CurrentStage
	advancedVersion := w.Version
	dispatchCount := len(rig.dispatches)

	// Redeliver the same logical result as a fresh envelope: the task id
	// no longer matches the outstanding dispatch.
	rig.publishResult(t, w.ID, taskID, stage, envelope.TaskSuccess)

	if w.CurrentStage != advancedStage || w.Version != advancedVersion {
		t.Error("duplicate result must not change state")
	}
	if len(rig.dispatches) != dispatchCount {
		t.Error("duplicate result must not dispatch")
	}
	if got := rig.engine.Metrics().DuplicateResultsIgnored; got != 1 {
		t.Errorf("expected duplicate_results_ignored=1, got %d", got)
	}
}

func TestLateResultAfterCancel(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeFeature})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	taskID := w.Dispatch.TaskID
	stage := w.CurrentStage

	if err := rig.engine.CancelWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if w.Status != workflow.StatusCancelled || w.CompletedAt == nil {
		t.Fatalf("expected cancelled with completed_at, got %+v", w.Status)
	}

	// In-flight work is not preemptively killed; its result arrives late
	// and is discarded.
	rig.publishResult(t, w.ID, taskID, stage, envelope.TaskSuccess)
	if w.Status != workflow.StatusCancelled {
		t.Error("terminal workflow must stay terminal")
	}
	if got := rig.engine.Metrics().LateResultsDiscarded; got != 1 {
		t.Errorf("expected late_results_discarded=1, got %d", got)
	}

	// Terminal workflows reject further administrative events.
	if err := rig.engine.CancelWorkflow(ctx, w.ID); err == nil {
		t.Error("expected error cancelling a terminal workflow")
	}
}

func TestPauseAppliesResultThenFreezesDispatch(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeBugfix})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := rig.engine.PauseWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}

	// The in-flight result is applied; the next dispatch is frozen.
	rig.completeStage(t, w, envelope.TaskSuccess)
	if w.CurrentStage != workflow.StageValidation {
		t.Errorf("expected state to advance to validation, got %s", w.CurrentStage)
	}
	if w.Dispatch != nil {
		t.Error("paused workflow must not dispatch")
	}
	if len(rig.dispatches) != 1 {
		t.Fatalf("expected only the initial dispatch, got %d", len(rig.dispatches))
	}

	if err := rig.engine.ResumeWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if len(rig.dispatches) != 2 || rig.dispatches[1].Stage != workflow.StageValidation {
		t.Fatalf("expected validation dispatch after resume, got %+v", rig.dispatches)
	}

	rig.completeStage(t, w, envelope.TaskSuccess)
	rig.completeStage(t, w, envelope.TaskSuccess)
	if w.Status != workflow.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", w.Status)
	}
}

func TestTimeoutSynthesisRetriesThenFails(t *testing.T) {
	def := mlDefinition()
	def.Stages[0].RetryStrategy.MaxRetries = 1
	rig := newRig(t, def)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	// First deadline elapses: one retry remains, so the stage redispatches.
	rig.engine.synthesizeTimeout(w.ID, w.Dispatch.TaskID)
	if w.Status != workflow.StatusRunning {
		t.Fatalf("expected running after first timeout, got %s", w.Status)
	}
	if w.StageAttempts != 2 {
		t.Errorf("expected second attempt, got %d", w.StageAttempts)
	}

	// Second deadline exhausts the budget; on_failure=END fails the
	// workflow with the timeout error preserved.
	rig.engine.synthesizeTimeout(w.ID, w.Dispatch.TaskID)
	if w.Status != workflow.StatusFailed {
		t.Errorf("expected failed, got %s", w.Status)
	}
	if w.LastError != StageTimeoutError {
		t.Errorf("expected %s, got %q", StageTimeoutError, w.LastError)
	}
	if got := rig.engine.Metrics().TimeoutsSynthesized; got != 2 {
		t.Errorf("expected 2 synthesized timeouts, got %d", got)
	}

	// A stale timer firing after the fact is a no-op.
	rig.engine.synthesizeTimeout(w.ID, "stale-task")
	if got := rig.engine.Metrics().TimeoutsSynthesized; got != 2 {
		t.Errorf("stale timer must not synthesize, got %d", got)
	}
}

func TestSkipFailureRouting(t *testing.T) {
	def := mlDefinition()
	def.Stages[1].OnFailure = "skip"
	def.Stages[1].RetryStrategy.MaxRetries = 0
	rig := newRig(t, def)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	rig.completeStage(t, w, envelope.TaskSuccess) // data-preparation
	rig.completeStage(t, w, envelope.TaskFailure, "flaky trainer")

	if w.CurrentStage != "model-evaluation" {
		t.Errorf("expected skip to advance to model-evaluation, got %s", w.CurrentStage)
	}
	if string(w.StageOutputs["model-training"]) != `"skipped"` {
		t.Errorf("expected skipped marker, got %s", w.StageOutputs["model-training"])
	}

	rig.completeStage(t, w, envelope.TaskSuccess)
	if w.Status != workflow.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", w.Status)
	}
}

func TestDefinitionGoneFallsBack(t *testing.T) {
	rig := newRig(t, mlDefinition())
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	// The definition disappears mid-workflow.
	delete(rig.source.defs, "ml-platform/app")
	rig.engine.resolver.InvalidateAll()

	rig.completeStage(t, w, envelope.TaskSuccess)

	if w.Dispatch == nil || !w.Dispatch.IsFallback {
		t.Fatalf("expected fallback dispatch, got %+v", w.Dispatch)
	}
	if !hasEvent(rig.eventTypes(), workflow.EventDefinitionGone) {
		t.Error("expected workflow.definition.gone event")
	}
}

func TestListWorkflows(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	app, _ := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeApp})
	fix, _ := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeBugfix})
	if err := rig.engine.CancelWorkflow(ctx, fix.ID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	all := rig.engine.ListWorkflows(ListFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(all))
	}
	running := rig.engine.ListWorkflows(ListFilter{Status: workflow.StatusRunning})
	if len(running) != 1 || running[0].ID != app.ID {
		t.Errorf("unexpected running set: %+v", running)
	}
	byType := rig.engine.ListWorkflows(ListFilter{Type: workflow.TypeBugfix})
	if len(byType) != 1 || byType[0].ID != fix.ID {
		t.Errorf("unexpected type filter result")
	}
}

func TestTerminalWorkflowAgesOut(t *testing.T) {
	rig := newRigWith(t, nil, []Option{WithTerminalRetention(50 * time.Millisecond)})
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeBugfix})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	taskID := w.Dispatch.TaskID
	stage := w.CurrentStage
	if err := rig.engine.CancelWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	// Finished workflows drop out of the active count immediately but stay
	// listed for the retention window.
	if got := rig.engine.Metrics().ActiveWorkflows; got != 0 {
		t.Errorf("active_workflows = %d, want 0 once terminal", got)
	}
	if len(rig.engine.ListWorkflows(ListFilter{})) != 1 {
		t.Fatal("terminal workflow must stay listed during retention")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rig.engine.ListWorkflows(ListFilter{})) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("terminal workflow never aged out of memory")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Reads after eviction are served from the persisted snapshot.
	got, err := rig.engine.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow after eviction: %v", err)
	}
	if got.Status != workflow.StatusCancelled {
		t.Errorf("recovered status %s, want cancelled", got.Status)
	}

	// A result landing after eviction is discarded as late.
	rig.publishResult(t, w.ID, taskID, stage, envelope.TaskSuccess)
	if got := rig.engine.Metrics().LateResultsDiscarded; got != 1 {
		t.Errorf("late_results_discarded = %d, want 1", got)
	}
}

// faultStore injects a single CAS failure on one key.
type faultStore struct {
	kvstore.Store
	failKey string
	failed  bool
}

func (f *faultStore) CAS(ctx context.Context, key string, expected, next any) (bool, error) {
	if key == f.failKey && !f.failed {
		f.failed = true
		return false, errors.New("kv unavailable")
	}
	return f.Store.CAS(ctx, key, expected, next)
}

func TestPersistFailureReleasesLedgerClaim(t *testing.T) {
	var fs *faultStore
	rig := newRigWith(t, func(s kvstore.Store) kvstore.Store {
		fs = &faultStore{Store: s}
		return fs
	}, nil)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeBugfix})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	fs.failKey = kvstore.StateKey(w.ID)

	env := rig.completeStage(t, w, envelope.TaskSuccess)
	if !fs.failed {
		t.Fatal("snapshot write fault never triggered")
	}

	// The failed delivery must not leave its claim in the ledger, or a
	// redelivery of the same envelope would be dropped as a duplicate.
	if err := rig.store.Get(ctx, kvstore.SeenKey(env.ID), nil); !errors.Is(err, kvstore.ErrKeyNotFound) {
		t.Errorf("ledger claim still held after persist failure: %v", err)
	}

	// The bus redelivered the result; the applied transition makes it a
	// task-id mismatch rather than a silent ledger drop.
	if got := rig.engine.Metrics().DuplicateResultsIgnored; got != 1 {
		t.Errorf("duplicate_results_ignored = %d, want 1", got)
	}
	if w.CurrentStage != workflow.StageValidation {
		t.Errorf("expected advance to validation, got %s", w.CurrentStage)
	}
}

func TestRetryWorkflowRerunsFailedStage(t *testing.T) {
	def := mlDefinition()
	def.Stages[0].RetryStrategy.MaxRetries = 0
	rig := newRig(t, def)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	rig.completeStage(t, w, envelope.TaskFailure, "transient outage")
	if w.Status != workflow.StatusFailed {
		t.Fatalf("expected failed, got %s", w.Status)
	}

	if err := rig.engine.RetryWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("RetryWorkflow: %v", err)
	}
	if w.Status != workflow.StatusRunning || w.Dispatch == nil {
		t.Fatalf("expected re-dispatched running workflow, got %s", w.Status)
	}

	rig.completeStage(t, w, envelope.TaskSuccess)
	rig.completeStage(t, w, envelope.TaskSuccess)
	rig.completeStage(t, w, envelope.TaskSuccess)
	if w.Status != workflow.StatusSucceeded {
		t.Errorf("expected succeeded after retry, got %s", w.Status)
	}
}
