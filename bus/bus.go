// Package bus defines the message fabric port: best-effort fan-out publish,
// durable-log subscriptions with consumer groups, handler retry with
// republished attempt envelopes, and the dead-letter sink. Adapters live in
// the natsbus and membus subpackages.
package bus

import (
	"context"
	"time"

	"github.com/c360studio/stagecraft/envelope"
)

// Contract topic names. The strings are part of the protocol.
const (
	TopicResults  = "orchestrator:results"
	TopicEvents   = "workflow:events"
	TopicDLQ      = "dlq:failed"
	TopicHealth   = "system.health_check"
	TopicShutdown = "system.shutdown"
)

// AgentTasksTopic returns the canonical inbound task topic for an agent
// type. All dispatch and subscription routes through this one constructor.
func AgentTasksTopic(agentType string) string {
	return "agent:" + agentType + ":tasks"
}

// PhaseTopic returns a phase-coordinator topic, kind one of
// "request", "result", "error".
func PhaseTopic(phase, kind string) string {
	return "phase." + phase + "." + kind
}

// DefaultHandlerBudget is the minimum per-message handler deadline.
const DefaultHandlerBudget = 30 * time.Second

// DefaultMaxRetries bounds handler invocations per envelope lineage when the
// subscriber does not specify its own budget.
const DefaultMaxRetries = 3

// Handler processes one parsed envelope. Returning an error schedules a
// retry attempt, or a dead-letter once the envelope's budget is exhausted.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// PublishOptions controls the delivery path for one publish.
type PublishOptions struct {
	// MirrorToStream additionally appends the envelope to the durable log.
	MirrorToStream bool
	// Durable requests an acknowledged append (implies MirrorToStream).
	Durable bool
	// TTL bounds the envelope's life on the durable log, if supported.
	TTL time.Duration
}

// SubscribeOptions controls delivery semantics for one subscription.
type SubscribeOptions struct {
	// Durable subscribes against the durable log (at-least-once, per
	// consumer-group offsets). When false the subscription is fan-out
	// (at-most-once).
	Durable bool
	// ConsumerGroup shares the subscription's offset across processes.
	ConsumerGroup string
	// FromBeginning replays the durable log from the first retained entry.
	FromBeginning bool
	// MaxRetries bounds handler attempts before dead-lettering.
	// Zero means DefaultMaxRetries.
	MaxRetries int
	// HandlerTimeout bounds each handler invocation. The effective budget
	// is never below DefaultHandlerBudget.
	HandlerTimeout time.Duration
}

// EffectiveMaxRetries resolves the retry budget.
func (o SubscribeOptions) EffectiveMaxRetries() int {
	if o.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return o.MaxRetries
}

// EffectiveBudget resolves the per-message handler deadline.
func (o SubscribeOptions) EffectiveBudget() time.Duration {
	if o.HandlerTimeout > DefaultHandlerBudget {
		return o.HandlerTimeout
	}
	return DefaultHandlerBudget
}

// Unsubscribe tears down a subscription and drains its handler.
type Unsubscribe func() error

// Health reports the adapter's round-trip health.
type Health struct {
	OK        bool      `json:"ok"`
	LatencyMS int64     `json:"latency_ms"`
	Err       string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Bus is the message fabric port.
type Bus interface {
	// Publish delivers env on topic. Fan-out publishes are best-effort;
	// mirrored publishes are also appended to the durable log.
	Publish(ctx context.Context, topic string, env *envelope.Envelope, opts PublishOptions) error

	// Subscribe attaches handler to topic. Within one topic and one
	// consumer, arrival order is preserved; no cross-topic guarantee.
	Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Unsubscribe, error)

	// Health performs a round-trip check against the substrate.
	Health(ctx context.Context) Health
}
