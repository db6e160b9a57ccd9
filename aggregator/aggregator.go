// Package aggregator consumes the results and events topics and maintains
// rolling pipeline statistics: workflow throughput, per-agent latency
// percentiles, and error rates over 1, 5, and 15 minute windows. Counters
// are mirrored to prometheus; the websocket broadcaster streams snapshots
// to dashboard clients.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/stagecraft/bus"
	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/workflow"
)

// retention bounds the sample history to the widest window.
const retention = 15 * time.Minute

// Window labels exposed in snapshots.
var windowSizes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
}

// CounterSource supplies the engine's late/duplicate result counters for
// inclusion in snapshots.
type CounterSource func() (late, duplicate int64)

type workflowSample struct {
	at      time.Time
	created bool
	failed  bool
}

type taskSample struct {
	at         time.Time
	agentType  string
	success    bool
	durationMS int64
}

// AgentStats summarizes one agent type over a window.
type AgentStats struct {
	Tasks        int     `json:"tasks"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P50LatencyMS int64   `json:"p50_latency_ms"`
	P95LatencyMS int64   `json:"p95_latency_ms"`
	P99LatencyMS int64   `json:"p99_latency_ms"`
}

// WindowStats summarizes one rolling window.
type WindowStats struct {
	WorkflowsCreated   int                   `json:"workflows_created"`
	WorkflowsCompleted int                   `json:"workflows_completed"`
	WorkflowsFailed    int                   `json:"workflows_failed"`
	WorkflowsPerSecond float64               `json:"workflows_per_second"`
	Agents             map[string]AgentStats `json:"agents,omitempty"`
}

// Snapshot is the point-in-time view served to dashboards.
type Snapshot struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	Windows          map[string]WindowStats `json:"windows"`
	ErrorRate5M      float64                `json:"error_rate_5m"`
	StreamLag        float64                `json:"stream_lag"`
	LateResults      int64                  `json:"late_results"`
	DuplicateResults int64                  `json:"duplicate_results"`
}

// Aggregator consumes results and workflow events.
type Aggregator struct {
	bus      bus.Bus
	logger   *slog.Logger
	clock    func() time.Time
	counters CounterSource

	mu        sync.Mutex
	workflows []workflowSample
	tasks     []taskSample
	streamLag float64
	unsubs    []bus.Unsubscribe

	registry           *prometheus.Registry
	workflowsCreated   prometheus.Counter
	workflowsCompleted prometheus.Counter
	workflowsFailed    prometheus.Counter
	taskDuration       *prometheus.HistogramVec
	taskFailures       *prometheus.CounterVec
	streamLagGauge     prometheus.Gauge
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithClock injects a clock for window tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// WithCounterSource wires the engine's late/duplicate counters into
// snapshots.
func WithCounterSource(src CounterSource) Option {
	return func(a *Aggregator) { a.counters = src }
}

// WithRegistry uses an existing prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Aggregator) { a.registry = reg }
}

// New creates an aggregator over the bus.
func New(b bus.Bus, opts ...Option) *Aggregator {
	a := &Aggregator{
		bus:    b,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}

	a.workflowsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stagecraft_workflows_created_total",
		Help: "Workflows admitted by the engine.",
	})
	a.workflowsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stagecraft_workflows_completed_total",
		Help: "Workflows that reached succeeded.",
	})
	a.workflowsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stagecraft_workflows_failed_total",
		Help: "Workflows that reached failed.",
	})
	a.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stagecraft_task_duration_seconds",
		Help:    "Agent task duration by agent type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_type"})
	a.taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecraft_task_failures_total",
		Help: "Agent task failures by agent type.",
	}, []string{"agent_type"})
	a.streamLagGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stagecraft_stream_lag",
		Help: "Durable-log consumer lag.",
	})
	a.registry.MustRegister(
		a.workflowsCreated, a.workflowsCompleted, a.workflowsFailed,
		a.taskDuration, a.taskFailures, a.streamLagGauge)

	return a
}

// Registry exposes the prometheus registry for the metrics endpoint.
func (a *Aggregator) Registry() *prometheus.Registry { return a.registry }

// Start subscribes to the results and events topics. The aggregator uses
// its own consumer group so it observes every result the engine does.
func (a *Aggregator) Start(ctx context.Context) error {
	resultsUnsub, err := a.bus.Subscribe(ctx, bus.TopicResults, a.handleResult, bus.SubscribeOptions{
		Durable:       true,
		ConsumerGroup: "aggregator",
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	a.unsubs = append(a.unsubs, resultsUnsub)

	eventsUnsub, err := a.bus.Subscribe(ctx, bus.TopicEvents, a.handleEvent, bus.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	a.unsubs = append(a.unsubs, eventsUnsub)

	a.logger.Info("Aggregator started")
	return nil
}

// Stop tears down the subscriptions.
func (a *Aggregator) Stop(context.Context) error {
	for _, unsub := range a.unsubs {
		_ = unsub()
	}
	a.unsubs = nil
	return nil
}

// SetStreamLag records the current durable-log consumer lag, supplied by
// the bus adapter.
func (a *Aggregator) SetStreamLag(lag float64) {
	a.mu.Lock()
	a.streamLag = lag
	a.mu.Unlock()
	a.streamLagGauge.Set(lag)
}

func (a *Aggregator) handleResult(_ context.Context, env *envelope.Envelope) error {
	if env.Type != envelope.TaskResultType {
		return nil
	}
	var result envelope.TaskResult
	if err := env.DecodePayload(&result); err != nil {
		a.logger.Debug("Undecodable result skipped", "envelope_id", env.ID)
		return nil
	}

	agentType := agentTypeOf(&result)
	a.taskDuration.WithLabelValues(agentType).Observe(float64(result.Metrics.DurationMS) / 1000)
	if !result.Succeeded() {
		a.taskFailures.WithLabelValues(agentType).Inc()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, taskSample{
		at:         a.clock(),
		agentType:  agentType,
		success:    result.Succeeded(),
		durationMS: result.Metrics.DurationMS,
	})
	a.pruneLocked()
	return nil
}

func (a *Aggregator) handleEvent(_ context.Context, env *envelope.Envelope) error {
	sample := workflowSample{at: a.clock()}
	switch env.Type {
	case workflow.EventCreated:
		sample.created = true
		a.workflowsCreated.Inc()
	case workflow.EventCompleted:
		a.workflowsCompleted.Inc()
	case workflow.EventFailed:
		sample.failed = true
		a.workflowsFailed.Inc()
	default:
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflows = append(a.workflows, sample)
	a.pruneLocked()
	return nil
}

// pruneLocked drops samples older than the widest window.
func (a *Aggregator) pruneLocked() {
	cutoff := a.clock().Add(-retention)
	for len(a.workflows) > 0 && a.workflows[0].at.Before(cutoff) {
		a.workflows = a.workflows[1:]
	}
	for len(a.tasks) > 0 && a.tasks[0].at.Before(cutoff) {
		a.tasks = a.tasks[1:]
	}
}

// Snapshot computes the current rolling statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()

	now := a.clock()
	snap := Snapshot{
		GeneratedAt: now,
		Windows:     make(map[string]WindowStats, len(windowSizes)),
		StreamLag:   a.streamLag,
	}
	if a.counters != nil {
		snap.LateResults, snap.DuplicateResults = a.counters()
	}

	for label, size := range windowSizes {
		snap.Windows[label] = a.windowLocked(now.Add(-size), size)
	}

	// Error rate over the last five minutes: failed tasks / total tasks.
	fiveMin := now.Add(-5 * time.Minute)
	var total, failed int
	for _, s := range a.tasks {
		if s.at.Before(fiveMin) {
			continue
		}
		total++
		if !s.success {
			failed++
		}
	}
	if total > 0 {
		snap.ErrorRate5M = float64(failed) / float64(total) * 100
	}
	return snap
}

func (a *Aggregator) windowLocked(since time.Time, size time.Duration) WindowStats {
	stats := WindowStats{}
	for _, s := range a.workflows {
		if s.at.Before(since) {
			continue
		}
		switch {
		case s.created:
			stats.WorkflowsCreated++
		case s.failed:
			stats.WorkflowsFailed++
		default:
			stats.WorkflowsCompleted++
		}
	}
	stats.WorkflowsPerSecond = float64(stats.WorkflowsCreated) / size.Seconds()

	byAgent := make(map[string][]taskSample)
	for _, s := range a.tasks {
		if s.at.Before(since) {
			continue
		}
		byAgent[s.agentType] = append(byAgent[s.agentType], s)
	}
	if len(byAgent) > 0 {
		stats.Agents = make(map[string]AgentStats, len(byAgent))
		for agentType, samples := range byAgent {
			stats.Agents[agentType] = agentStats(samples)
		}
	}
	return stats
}

func agentStats(samples []taskSample) AgentStats {
	stats := AgentStats{Tasks: len(samples)}
	durations := make([]int64, 0, len(samples))
	var sum int64
	for _, s := range samples {
		if !s.success {
			stats.Failures++
		}
		durations = append(durations, s.durationMS)
		sum += s.durationMS
	}
	stats.SuccessRate = float64(stats.Tasks-stats.Failures) / float64(stats.Tasks) * 100
	stats.AvgLatencyMS = float64(sum) / float64(stats.Tasks)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50LatencyMS = percentile(durations, 50)
	stats.P95LatencyMS = percentile(durations, 95)
	stats.P99LatencyMS = percentile(durations, 99)
	return stats
}

// percentile returns the q-th percentile of sorted values using the
// nearest-rank method.
func percentile(sorted []int64, q int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (q*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func agentTypeOf(result *envelope.TaskResult) string {
	// The registry id is <type>-<uuid>; fall back to the stage tag when the
	// agent id carries no type prefix.
	if result.AgentID != "" {
		if idx := lastDashGroup(result.AgentID); idx > 0 {
			return result.AgentID[:idx]
		}
	}
	if result.Stage != "" {
		return result.Stage
	}
	return "unknown"
}

// lastDashGroup finds the split before a trailing uuid in <type>-<uuid>
// ids; returns 0 when the id has no such suffix.
func lastDashGroup(id string) int {
	// A uuid suffix is 36 chars preceded by a dash.
	const uuidLen = 36
	if len(id) > uuidLen+1 && id[len(id)-uuidLen-1] == '-' {
		return len(id) - uuidLen - 1
	}
	return 0
}
