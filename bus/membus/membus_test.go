package membus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
)

func testEnvelope(t *testing.T, eventType string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"agent:scaffold:tasks", "agent:scaffold:tasks", true},
		{"agent:*:tasks", "agent:scaffold:tasks", true},
		{"agent:*:tasks", "agent:e2e:tasks", true},
		{"agent:*:tasks", "agent:scaffold:results", false},
		{"agent:>", "agent:scaffold:tasks", true},
		{"agent:>", "agent", false},
		{"phase.*.request", "phase.plan.request", true},
		{"phase.*.request", "phase.plan.result", false},
		{"workflow:events", "workflow:events", true},
		{"workflow:events", "workflow:events:extra", false},
		{"*", "orchestrator:results", false},
		{">", "anything.at.all", true},
	}
	for _, tt := range tests {
		if got := matchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestFanoutDeliversToEverySubscriber(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var first, second atomic.Int64
	count := func(c *atomic.Int64) bus.Handler {
		return func(context.Context, *envelope.Envelope) error {
			c.Add(1)
			return nil
		}
	}
	if _, err := b.Subscribe(ctx, "agent:*:tasks", count(&first), bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "agent:scaffold:tasks", count(&second), bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "agent:scaffold:tasks", testEnvelope(t, "membus.test"), bus.PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if first.Load() != 1 || second.Load() != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", first.Load(), second.Load())
	}
}

func TestConsumerGroupDeliversOnce(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var grouped, other atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(ctx, "orchestrator:results", func(context.Context, *envelope.Envelope) error {
			grouped.Add(1)
			return nil
		}, bus.SubscribeOptions{Durable: true, ConsumerGroup: "engine"})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	_, err := b.Subscribe(ctx, "orchestrator:results", func(context.Context, *envelope.Envelope) error {
		other.Add(1)
		return nil
	}, bus.SubscribeOptions{Durable: true, ConsumerGroup: "aggregator"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "orchestrator:results", testEnvelope(t, "membus.test"), bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if grouped.Load() != 1 {
		t.Errorf("group deliveries = %d, want 1", grouped.Load())
	}
	if other.Load() != 1 {
		t.Errorf("other group deliveries = %d, want 1", other.Load())
	}
}

func TestDurableReplayFromBeginning(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "workflow:events", testEnvelope(t, "membus.test"), bus.PublishOptions{Durable: true}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// Fan-out publishes never reach the log.
	if err := b.Publish(ctx, "workflow:events", testEnvelope(t, "membus.test"), bus.PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var replayed atomic.Int64
	_, err := b.Subscribe(ctx, "workflow:events", func(context.Context, *envelope.Envelope) error {
		replayed.Add(1)
		return nil
	}, bus.SubscribeOptions{Durable: true, FromBeginning: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if replayed.Load() != 3 {
		t.Errorf("replayed %d envelopes, want 3", replayed.Load())
	}
}

func TestHandlerFailureRetriesThenDeadLetters(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var calls atomic.Int64
	_, err := b.Subscribe(ctx, "membus.failing", func(_ context.Context, env *envelope.Envelope) error {
		calls.Add(1)
		return errors.New("handler broke")
	}, bus.SubscribeOptions{Durable: true, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "membus.failing", testEnvelope(t, "membus.failing"), bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Original delivery plus one handler call per retry attempt.
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}

	dlq := b.Log(bus.TopicDLQ)
	if len(dlq) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq))
	}
	var dead envelope.DeadLetter
	if err := dlq[0].DecodePayload(&dead); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dead.Topic != "membus.failing" || dead.Attempts != 2 {
		t.Errorf("unexpected dead letter %+v", dead)
	}
	if dead.LastError != "handler broke" {
		t.Errorf("last error %q, want handler broke", dead.LastError)
	}
}

func TestHandlerRecoversOnRetry(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var calls atomic.Int64
	var retryAttempts atomic.Int64
	_, err := b.Subscribe(ctx, "membus.flaky", func(_ context.Context, env *envelope.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("first delivery fails")
		}
		retryAttempts.Store(int64(env.Meta.Attempts))
		return nil
	}, bus.SubscribeOptions{Durable: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "membus.flaky", testEnvelope(t, "membus.flaky"), bus.PublishOptions{Durable: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if retryAttempts.Load() != 1 {
		t.Errorf("retry attempts = %d, want 1", retryAttempts.Load())
	}
	if len(b.Log(bus.TopicDLQ)) != 0 {
		t.Error("recovered envelope must not be dead-lettered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var calls atomic.Int64
	unsub, err := b.Subscribe(ctx, "membus.once", func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return nil
	}, bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "membus.once", testEnvelope(t, "membus.once"), bus.PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := unsub(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Publish(ctx, "membus.once", testEnvelope(t, "membus.once"), bus.PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", calls.Load())
	}
}

func TestPublishRejectsInvalidRegisteredPayload(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	// Registered type with a payload that fails its schema.
	env, err := envelope.New(envelope.DeadLetterType, &envelope.DeadLetter{Topic: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Publish(ctx, bus.TopicDLQ, env, bus.PublishOptions{}); err == nil {
		t.Error("expected validation error for incomplete dead letter payload")
	}
}
