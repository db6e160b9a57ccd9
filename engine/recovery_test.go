package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/bus/membus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/workflow"
)

func TestRecoveryResumesFromSnapshot(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: workflow.TypeApp})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	// Three stages complete, then the instance dies with a task in flight.
	for i := 0; i < 3; i++ {
		rig.completeStage(t, w, envelope.TaskSuccess)
	}
	if w.CurrentStage != workflow.StageValidation || w.Progress != 45 {
		t.Fatalf("precondition: stage %s progress %d", w.CurrentStage, w.Progress)
	}
	inflight := w.Dispatch.TaskID

	// A restarted instance shares the store but not the bus, so any
	// dispatch it makes is visible in isolation.
	bus2 := membus.New(nil)
	engine2 := New(bus2, rig.store, workflow.NewResolver(&testSource{}),
		WithInstanceID("engine-test"))
	if err := engine2.Start(ctx); err != nil {
		t.Fatalf("Start recovered engine: %v", err)
	}
	t.Cleanup(func() { engine2.Stop(ctx) })

	rw, err := engine2.RecoverWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("RecoverWorkflow: %v", err)
	}
	if rw.Status != workflow.StatusRunning {
		t.Errorf("expected running after recovery, got %s", rw.Status)
	}
	if rw.CurrentStage != workflow.StageValidation {
		t.Errorf("expected resume at validation, got %s", rw.CurrentStage)
	}
	if rw.Progress != 45 {
		t.Errorf("expected progress 45, got %d", rw.Progress)
	}
	if rw.Dispatch == nil || rw.Dispatch.TaskID != inflight {
		t.Fatalf("expected in-flight dispatch %s preserved, got %+v", inflight, rw.Dispatch)
	}

	// Recovery re-arms the deadline; it never re-dispatches.
	for _, agent := range []string{"scaffold", "validation", "e2e", "integration", "deployment", "monitoring"} {
		if n := len(bus2.Log(bus.AgentTasksTopic(agent))); n != 0 {
			t.Errorf("recovery dispatched %d tasks to %s", n, agent)
		}
	}

	// The in-flight result lands on the new instance and the workflow
	// moves on.
	result := &envelope.TaskResult{
		TaskID:      inflight,
		WorkflowID:  rw.ID,
		AgentID:     "agent-validation-1",
		Stage:       workflow.StageValidation,
		Status:      envelope.TaskSuccess,
		CompletedAt: w.StartedAt.Add(1),
	}
	env, err := envelope.New(envelope.TaskResultType, result,
		envelope.WithCorrelationID(rw.ID),
		envelope.WithSource("agent-validation"))
	if err != nil {
		t.Fatalf("build result envelope: %v", err)
	}
	if err := bus2.Publish(ctx, bus.TopicResults, env, bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("publish result: %v", err)
	}

	if rw.CurrentStage != workflow.StageE2ETesting {
		t.Errorf("expected advance to e2e_testing, got %s", rw.CurrentStage)
	}
	if rw.Progress != 60 {
		t.Errorf("expected progress 60, got %d", rw.Progress)
	}
	if n := len(bus2.Log(bus.AgentTasksTopic("e2e"))); n != 1 {
		t.Errorf("expected exactly one e2e dispatch, got %d", n)
	}

	// The checkpoint records the applied message.
	cp, err := engine2.state.LoadCheckpoint(ctx, rw.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp == nil || cp.LastProcessedMessageID != env.ID {
		t.Errorf("expected checkpoint at %s, got %+v", env.ID, cp)
	}
}

func TestRecoveryFailedWorkflowStaysFailed(t *testing.T) {
	def := mlDefinition()
	def.Stages[0].RetryStrategy.MaxRetries = 0
	rig := newRig(t, def)
	ctx := context.Background()

	w, err := rig.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", PlatformID: "ml-platform"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	rig.completeStage(t, w, envelope.TaskFailure, "bad training data")

	engine2 := New(membus.New(nil), rig.store, workflow.NewResolver(rig.source),
		WithInstanceID("engine-test"))

	rw, err := engine2.RecoverWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("RecoverWorkflow: %v", err)
	}
	if rw.Status != workflow.StatusFailed {
		t.Errorf("expected failed, got %s", rw.Status)
	}
	if rw.LastError != "bad training data" {
		t.Errorf("expected preserved error, got %q", rw.LastError)
	}
}

func TestRecoveryUnknownWorkflow(t *testing.T) {
	rig := newRig(t)
	_, err := rig.engine.RecoverWorkflow(context.Background(), "wf-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateManagerVersionConflict(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	w := workflow.New(workflow.TypeBugfix, "", envelope.PriorityMedium)
	mgr := NewStateManager(rig.store, "engine-a", nil)
	if err := mgr.SaveSnapshot(ctx, w); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// A stale writer that never saw version 1 must lose the CAS.
	stale := *w
	if err := mgr.SaveSnapshot(ctx, &stale); err == nil || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	w.Version = 2
	if err := mgr.SaveSnapshot(ctx, w); err != nil {
		t.Fatalf("versioned save: %v", err)
	}
}

func TestLockOwnership(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	a := NewStateManager(rig.store, "engine-a", nil)
	b := NewStateManager(rig.store, "engine-b", nil)

	ok, err := a.AcquireLock(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("engine-a acquire: ok=%v err=%v", ok, err)
	}

	ok, err = b.AcquireLock(ctx, "wf-1")
	if err != nil {
		t.Fatalf("engine-b acquire: %v", err)
	}
	if ok {
		t.Fatal("engine-b must not steal a held lock")
	}

	// Re-acquire by the holder refreshes the TTL.
	ok, err = a.AcquireLock(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("engine-a re-acquire: ok=%v err=%v", ok, err)
	}

	// Releasing a foreign lock is a no-op.
	if err := b.ReleaseLock(ctx, "wf-1"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if err := a.ReleaseLock(ctx, "wf-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}

	ok, err = b.AcquireLock(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("engine-b acquire after release: ok=%v err=%v", ok, err)
	}
}
