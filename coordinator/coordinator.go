// Package coordinator runs the five phase coordinators. Each consumes
// phase.<name>.request and answers with phase.<name>.result or
// phase.<name>.error; the phase work itself is pluggable.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
)

// Phase names. Each maps to one coordinator and one topic family.
const (
	PhasePlan    = "plan"
	PhaseCode    = "code"
	PhaseCertify = "certify"
	PhaseDeploy  = "deploy"
	PhaseMonitor = "monitor"
)

// AllPhases in pipeline order.
var AllPhases = []string{PhasePlan, PhaseCode, PhaseCertify, PhaseDeploy, PhaseMonitor}

// ValidPhase reports whether name is a known phase.
func ValidPhase(name string) bool {
	for _, p := range AllPhases {
		if p == name {
			return true
		}
	}
	return false
}

// PhaseFunc performs the work for one phase request and returns the result
// payload. An error produces a phase.<name>.error reply instead.
type PhaseFunc func(ctx context.Context, env *envelope.Envelope) (any, error)

// PhaseError is the payload carried on phase.<name>.error replies.
type PhaseError struct {
	Phase      string `json:"phase"`
	RequestID  string `json:"request_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Error      string `json:"error"`
}

// Ack is the default result payload: the request was received and recorded.
type Ack struct {
	Phase      string    `json:"phase"`
	RequestID  string    `json:"request_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// AcceptRequests is the default PhaseFunc: acknowledge the request so the
// pipeline advances. Deployments replace it per phase.
func AcceptRequests(phase string) PhaseFunc {
	return func(_ context.Context, env *envelope.Envelope) (any, error) {
		return &Ack{Phase: phase, RequestID: env.ID, AcceptedAt: time.Now().UTC()}, nil
	}
}

// Coordinator serves one phase.
type Coordinator struct {
	phase  string
	bus    bus.Bus
	fn     PhaseFunc
	logger *slog.Logger
	unsub  bus.Unsubscribe

	handled atomic.Int64
	failed  atomic.Int64
}

// New creates a coordinator for phase. A nil fn gets AcceptRequests.
func New(phase string, b bus.Bus, fn PhaseFunc, logger *slog.Logger) (*Coordinator, error) {
	if !ValidPhase(phase) {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	if fn == nil {
		fn = AcceptRequests(phase)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		phase:  phase,
		bus:    b,
		fn:     fn,
		logger: logger.With("phase", phase),
	}, nil
}

// Phase returns the phase this coordinator serves.
func (c *Coordinator) Phase() string { return c.phase }

// Handled returns (requests handled, requests failed).
func (c *Coordinator) Handled() (int64, int64) {
	return c.handled.Load(), c.failed.Load()
}

// Start subscribes to the phase request topic as a durable consumer group,
// so multiple coordinator processes share the load.
func (c *Coordinator) Start(ctx context.Context) error {
	unsub, err := c.bus.Subscribe(ctx, bus.PhaseTopic(c.phase, "request"), c.handleRequest, bus.SubscribeOptions{
		Durable:       true,
		ConsumerGroup: "coordinator-" + c.phase,
	})
	if err != nil {
		return fmt.Errorf("subscribe phase %s: %w", c.phase, err)
	}
	c.unsub = unsub
	c.logger.Info("Phase coordinator started")
	return nil
}

// Stop tears down the subscription.
func (c *Coordinator) Stop(context.Context) error {
	if c.unsub != nil {
		if err := c.unsub(); err != nil {
			c.logger.Warn("Unsubscribe failed", "error", err)
		}
		c.unsub = nil
	}
	c.logger.Info("Phase coordinator stopped",
		"handled", c.handled.Load(),
		"failed", c.failed.Load())
	return nil
}

func (c *Coordinator) handleRequest(ctx context.Context, env *envelope.Envelope) error {
	payload, err := c.fn(ctx, env)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("Phase request failed",
			"request_id", env.ID,
			"error", err)
		return c.reply(ctx, env, "error", &PhaseError{
			Phase:      c.phase,
			RequestID:  env.ID,
			WorkflowID: env.CorrelationID,
			Error:      err.Error(),
		})
	}

	c.handled.Add(1)
	return c.reply(ctx, env, "result", payload)
}

func (c *Coordinator) reply(ctx context.Context, req *envelope.Envelope, kind string, payload any) error {
	out, err := envelope.New(bus.PhaseTopic(c.phase, kind), payload,
		envelope.WithCorrelationID(req.CorrelationID),
		envelope.WithSource("coordinator-"+c.phase))
	if err != nil {
		return fmt.Errorf("build %s reply: %w", kind, err)
	}
	if err := c.bus.Publish(ctx, bus.PhaseTopic(c.phase, kind), out, bus.PublishOptions{MirrorToStream: true}); err != nil {
		return fmt.Errorf("publish %s reply: %w", kind, err)
	}
	return nil
}

// Group manages the enabled coordinators as one unit.
type Group struct {
	coordinators []*Coordinator
	logger       *slog.Logger
}

// NewGroup builds coordinators for the enabled phases with their default
// phase funcs. Unknown phase names in enabled are rejected.
func NewGroup(b bus.Bus, enabled []string, logger *slog.Logger) (*Group, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Group{logger: logger}
	for _, phase := range enabled {
		c, err := New(phase, b, nil, logger)
		if err != nil {
			return nil, err
		}
		g.coordinators = append(g.coordinators, c)
	}
	return g, nil
}

// Coordinators returns the managed coordinators.
func (g *Group) Coordinators() []*Coordinator { return g.coordinators }

// Start starts every coordinator; the first failure stops the ones already
// started.
func (g *Group) Start(ctx context.Context) error {
	for i, c := range g.coordinators {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = g.coordinators[j].Stop(ctx)
			}
			return err
		}
	}
	return nil
}

// Stop stops every coordinator.
func (g *Group) Stop(ctx context.Context) error {
	for _, c := range g.coordinators {
		_ = c.Stop(ctx)
	}
	return nil
}
