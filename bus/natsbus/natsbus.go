// Package natsbus adapts NATS to the bus.Bus port. Fan-out publishes ride
// core NATS subjects (at-most-once); mirrored publishes are acknowledged
// appends to a JetStream stream, consumed at-least-once through durable
// consumers with per-consumer-group offsets.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
)

// DefaultStream is the durable log backing mirrored publishes.
const DefaultStream = "STAGECRAFT"

// streamSubjects covers every contract topic after subject encoding.
var streamSubjects = []string{
	"agent.>",
	"orchestrator.>",
	"workflow.>",
	"phase.>",
	"dlq.>",
	"system.>",
}

// Bus is the NATS adapter for the message fabric.
type Bus struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	stream     jetstream.Stream
	streamName string
	logger     *slog.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Option configures the adapter.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithStreamName overrides the durable log stream name.
func WithStreamName(name string) Option {
	return func(b *Bus) { b.streamName = name }
}

// Connect dials the bus endpoint, ensures the durable log stream, and
// returns the adapter. The url typically comes from MESSAGE_BUS_URL.
func Connect(ctx context.Context, url, clientName string, maxAge time.Duration, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, wrapConnectError(err, url)
	}

	b := &Bus{
		nc:         nc,
		streamName: DefaultStream,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	b.js = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName,
		Subjects:  streamSubjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", b.streamName, err)
	}
	b.stream = stream

	return b, nil
}

// wrapConnectError points operators at the likely fix when the bus is down.
func wrapConnectError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`bus connection failed: %w

No NATS server is reachable at %s.
Start one with "docker compose up -d nats" or point MESSAGE_BUS_URL at your server`, err, url)
	}
	return fmt.Errorf("bus connection failed: %w", err)
}

// JetStream exposes the underlying JetStream context for the KV adapters.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("Drain on close failed", "error", err)
	}
}

// WaitForConnection blocks until the connection reports connected or ctx
// expires. Readiness probe; Health is the liveness check.
func (b *Bus) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.nc.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus not connected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// encodeSubject maps contract topic names onto the NATS subject charset.
// Colons are not token separators in NATS, so agent:scaffold:tasks becomes
// agent.scaffold.tasks on the wire.
func encodeSubject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// encodeDurable maps a consumer group onto the durable-name charset.
func encodeDurable(group string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(group)
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	data, err := env.Serialize()
	if err != nil {
		return err
	}

	subject := encodeSubject(topic)
	if opts.MirrorToStream || opts.Durable {
		// JetStream publish waits for the stream append ack, so the
		// envelope is on the durable log before Publish returns.
		if _, err := b.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publish %s to stream: %w", topic, err)
		}
		return nil
	}

	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	if opts.Durable {
		return b.subscribeDurable(ctx, topic, handler, opts)
	}
	return b.subscribeFanout(ctx, topic, handler, opts)
}

// subscribeFanout attaches a core NATS subscription (at-most-once).
func (b *Bus) subscribeFanout(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	subject := encodeSubject(topic)
	cb := func(msg *nats.Msg) {
		b.dispatch(ctx, topic, msg.Data, handler, opts)
	}

	var sub *nats.Subscription
	var err error
	if opts.ConsumerGroup != "" {
		sub, err = b.nc.QueueSubscribe(subject, encodeDurable(opts.ConsumerGroup), cb)
	} else {
		sub, err = b.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	return func() error { return sub.Drain() }, nil
}

// subscribeDurable attaches a JetStream consumer (at-least-once, shared
// offsets per consumer group).
func (b *Bus) subscribeDurable(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	deliver := jetstream.DeliverNewPolicy
	if opts.FromBeginning {
		deliver = jetstream.DeliverAllPolicy
	}

	group := opts.ConsumerGroup
	if group == "" {
		group = "stagecraft-" + encodeDurable(topic)
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       encodeDurable(group),
		FilterSubject: encodeSubject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.EffectiveBudget() + time.Minute,
		DeliverPolicy: deliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", topic, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.dispatch(ctx, topic, msg.Data(), handler, opts)
		// Handler outcome is final either way: failures were republished
		// as retry envelopes or dead-lettered by dispatch.
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK message", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	return func() error {
		cc.Drain()
		return nil
	}, nil
}

// dispatch parses, runs the handler under its budget, and applies the
// shared retry/dead-letter policy on failure.
func (b *Bus) dispatch(ctx context.Context, topic string, data []byte, handler bus.Handler, opts bus.SubscribeOptions) {
	env, err := envelope.Parse(data)
	if err != nil {
		b.deadLetterRaw(ctx, topic, data, err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, opts.EffectiveBudget())
	err = handler(hctx, env)
	cancel()

	if err != nil {
		bus.HandleFailure(ctx, b, topic, env, err, opts.EffectiveMaxRetries(), b.logger)
	}
}

// deadLetterRaw routes an unparseable or schema-mismatched message straight
// to the DLQ. There is no retry budget to consult: reparsing cannot succeed.
func (b *Bus) deadLetterRaw(ctx context.Context, topic string, data []byte, cause error) {
	var mismatch *envelope.SchemaMismatchError
	kind := "malformed envelope"
	if errors.As(cause, &mismatch) {
		kind = "schema mismatch"
	}
	b.logger.Warn("Dead-lettering undeliverable message",
		"topic", topic,
		"reason", kind,
		"error", cause)

	dead := &envelope.DeadLetter{
		EnvelopeID: bus.ExtractEnvelopeID(data),
		Topic:      topic,
		LastError:  cause.Error(),
	}
	wrapper, err := envelope.New(envelope.DeadLetterType, dead, envelope.WithSource("natsbus"))
	if err != nil {
		b.logger.Error("Failed to build dead letter", "error", err)
		return
	}
	if err := b.Publish(ctx, bus.TopicDLQ, wrapper, bus.PublishOptions{Durable: true}); err != nil {
		b.logger.Error("Failed to publish dead letter", "error", err)
	}
}

// Health implements bus.Bus with a server round trip.
func (b *Bus) Health(ctx context.Context) bus.Health {
	start := time.Now()
	err := b.nc.FlushWithContext(ctx)
	elapsed := time.Since(start)

	h := bus.Health{
		OK:        err == nil && b.nc.IsConnected(),
		LatencyMS: elapsed.Milliseconds(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}

// StreamLag returns the number of log entries a consumer group has not yet
// processed. Surfaced by the aggregator as a first-class metric.
func (b *Bus) StreamLag(ctx context.Context, group string) (uint64, error) {
	consumer, err := b.stream.Consumer(ctx, encodeDurable(group))
	if err != nil {
		return 0, fmt.Errorf("lookup consumer %s: %w", group, err)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info %s: %w", group, err)
	}
	return info.NumPending, nil
}
