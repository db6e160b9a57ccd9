// Package membus provides an in-process bus.Bus used by unit tests and
// single-process development runs. Delivery is synchronous and in arrival
// order, which makes orchestration tests deterministic; the production
// adapter is natsbus.
package membus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
)

type subscription struct {
	id      int64
	pattern string
	handler bus.Handler
	opts    bus.SubscribeOptions
	closed  atomic.Bool
}

// Bus is an in-memory bus.Bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logs   map[string][]*envelope.Envelope // durable log per topic
	nextID int64
	logger *slog.Logger

	// Published counts every publish, for test assertions.
	Published atomic.Int64
}

var _ bus.Bus = (*Bus)(nil)

// New creates an empty in-memory bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logs:   make(map[string][]*envelope.Envelope),
		logger: logger,
	}
}

// matchTopic implements token wildcard matching over topics. Both '.' and
// ':' separate tokens so contract names like agent:scaffold:tasks can be
// matched by agent:*:tasks.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' })
	}
	pt := split(pattern)
	tt := split(topic)

	for i, tok := range pt {
		if tok == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if tok != "*" && tok != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}

// Publish implements bus.Bus. Handlers run synchronously in publish order;
// handler failures follow the shared retry/dead-letter policy.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.Published.Add(1)

	if opts.MirrorToStream || opts.Durable {
		b.mu.Lock()
		b.logs[topic] = append(b.logs[topic], env)
		b.mu.Unlock()
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	seenGroups := make(map[string]bool)
	for _, sub := range b.subs {
		if sub.closed.Load() || !matchTopic(sub.pattern, topic) {
			continue
		}
		// One delivery per consumer group.
		if g := sub.opts.ConsumerGroup; g != "" {
			key := sub.pattern + "|" + g
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(ctx, sub, topic, env)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, topic string, env *envelope.Envelope) {
	budget := sub.opts.EffectiveBudget()
	hctx, cancel := context.WithTimeout(ctx, budget)
	err := sub.handler(hctx, env)
	cancel()

	if err != nil {
		bus.HandleFailure(ctx, b, topic, env, err, sub.opts.EffectiveMaxRetries(), b.logger)
	}
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: topic,
		handler: handler,
		opts:    opts,
	}
	b.subs = append(b.subs, sub)

	var replay []*envelope.Envelope
	if opts.Durable && opts.FromBeginning {
		for logTopic, entries := range b.logs {
			if matchTopic(topic, logTopic) {
				replay = append(replay, entries...)
			}
		}
	}
	b.mu.Unlock()

	for _, env := range replay {
		b.deliver(ctx, sub, topic, env)
	}

	return func() error {
		sub.closed.Store(true)
		return nil
	}, nil
}

// Health implements bus.Bus.
func (b *Bus) Health(_ context.Context) bus.Health {
	return bus.Health{OK: true, CheckedAt: time.Now()}
}

// Log returns the durable log for a topic, for test assertions.
func (b *Bus) Log(topic string) []*envelope.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*envelope.Envelope, len(b.logs[topic]))
	copy(out, b.logs[topic])
	return out
}
