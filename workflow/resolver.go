package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCacheTTL bounds how long a cached definition can serve resolutions
// after its last fetch. Writers broadcast invalidations, but engines on
// other instances may miss them, so entries also age out.
const DefaultCacheTTL = 60 * time.Second

// DefinitionSource supplies platform definitions to the resolver.
// Implementations return ErrDefinitionNotFound when no definition exists
// for the pair.
type DefinitionSource interface {
	Definition(ctx context.Context, platformID, workflowType string) (*WorkflowDefinition, error)
}

// Fallback reasons recorded on a Resolution.
const (
	FallbackNone     = ""
	FallbackBuiltin  = "no_definition"
	FallbackDisabled = "definition_disabled"
)

// Request identifies the transition to resolve. An empty CurrentStage asks
// for the entry stage; Failed selects the failure edge of CurrentStage.
type Request struct {
	WorkflowType string
	PlatformID   string
	CurrentStage string
	Progress     int
	Failed       bool
}

// Resolution is the computed next transition.
type Resolution struct {
	// NextStage is the stage to dispatch. Empty when Terminal.
	NextStage     string
	AgentType     string
	TimeoutMS     int
	RetryStrategy RetryStrategy

	// NewProgress is the progress after the completed stage, monotone
	// non-decreasing and capped at 100.
	NewProgress int

	// Terminal means the workflow ends here. TerminalFailure distinguishes
	// an on_failure=END edge from normal completion.
	Terminal        bool
	TerminalFailure bool

	// Skipped means CurrentStage's failure was routed through "skip": the
	// workflow advances as if the stage succeeded, and the stage output is
	// recorded as skipped.
	Skipped bool

	// IsFallback is true when the built-in sequence served the resolution.
	IsFallback     bool
	FallbackReason string
}

// CacheStats reports resolver cache behavior.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

type cacheEntry struct {
	def       *WorkflowDefinition // nil caches a miss
	fetchedAt time.Time
}

// Resolver computes the next transition for a workflow, preferring an
// enabled platform definition and falling back to the built-in sequences.
// Definitions are cached per (platform, type) with a short TTL.
type Resolver struct {
	source DefinitionSource
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides the definition cache TTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverClock overrides time for TTL tests.
func WithResolverClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) { r.clock = clock }
}

// NewResolver creates a resolver over the given definition source. A nil
// source always falls back to the built-in sequences.
func NewResolver(source DefinitionSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source: source,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
		clock:  time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(platformID, workflowType string) string {
	return platformID + "/" + workflowType
}

// Resolve computes the transition for req. The definition path is used when
// the platform has an enabled definition for the workflow type; otherwise
// the built-in sequence serves the request with IsFallback set.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if req.WorkflowType == "" {
		return nil, errors.New("resolve: workflow type is required")
	}

	if req.PlatformID != "" {
		def, reason, err := r.definition(ctx, req.PlatformID, req.WorkflowType)
		if err != nil {
			return nil, err
		}
		if def != nil {
			return r.resolveDefined(def, req)
		}
		res, err := r.resolveBuiltin(req)
		if err != nil {
			return nil, err
		}
		res.FallbackReason = reason
		return res, nil
	}

	return r.resolveBuiltin(req)
}

// Stage returns the dispatch parameters for the named stage itself, as
// opposed to Resolve which computes the transition out of a stage. Used
// when re-dispatching the current stage after resume, retry, or recovery.
// NewProgress is not meaningful on the returned resolution.
func (r *Resolver) Stage(ctx context.Context, workflowType, platformID, stage string) (*Resolution, error) {
	if platformID != "" {
		def, reason, err := r.definition(ctx, platformID, workflowType)
		if err != nil {
			return nil, err
		}
		if def != nil {
			s, ok := def.Stage(stage)
			if !ok {
				return nil, fmt.Errorf("stage %s/%s: %w: stage %s",
					def.PlatformID, def.WorkflowType, ErrDefinitionNotFound, stage)
			}
			return &Resolution{
				NextStage:     s.Name,
				AgentType:     s.AgentType,
				TimeoutMS:     s.TimeoutMS,
				RetryStrategy: s.RetryStrategy,
			}, nil
		}
		res, err := r.builtinNamed(workflowType, stage)
		if err != nil {
			return nil, err
		}
		res.FallbackReason = reason
		return res, nil
	}
	return r.builtinNamed(workflowType, stage)
}

// builtinNamed returns dispatch parameters for one built-in stage.
func (r *Resolver) builtinNamed(workflowType, stage string) (*Resolution, error) {
	seq, ok := BuiltinSequence(workflowType)
	if !ok {
		return nil, fmt.Errorf("no built-in sequence for workflow type %q", workflowType)
	}
	for i, name := range seq {
		if name == stage {
			return r.builtinStage(seq, i, 0)
		}
	}
	return nil, fmt.Errorf("stage %q is not in the %s sequence", stage, workflowType)
}

// definition returns the enabled definition or (nil, reason) when the
// request must fall back.
func (r *Resolver) definition(ctx context.Context, platformID, workflowType string) (*WorkflowDefinition, string, error) {
	def, err := r.lookup(ctx, platformID, workflowType)
	switch {
	case errors.Is(err, ErrDefinitionNotFound):
		return nil, FallbackBuiltin, nil
	case err != nil:
		return nil, "", fmt.Errorf("load definition %s/%s: %w", platformID, workflowType, err)
	case !def.Enabled:
		return nil, FallbackDisabled, nil
	}
	return def, "", nil
}

// lookup serves from cache within the TTL, caching misses as well so a
// deleted definition does not hammer the source.
func (r *Resolver) lookup(ctx context.Context, platformID, workflowType string) (*WorkflowDefinition, error) {
	if r.source == nil {
		return nil, ErrDefinitionNotFound
	}
	key := cacheKey(platformID, workflowType)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.clock().Sub(entry.fetchedAt) < r.ttl {
		r.hits.Add(1)
		if entry.def == nil {
			return nil, ErrDefinitionNotFound
		}
		return entry.def, nil
	}

	r.misses.Add(1)
	def, err := r.source.Definition(ctx, platformID, workflowType)
	if err != nil && !errors.Is(err, ErrDefinitionNotFound) {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{def: def, fetchedAt: r.clock()}
	r.mu.Unlock()

	if def == nil {
		return nil, ErrDefinitionNotFound
	}
	return def, nil
}

// Invalidate drops the cached entry for one platform/type pair.
func (r *Resolver) Invalidate(platformID, workflowType string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(platformID, workflowType))
	r.mu.Unlock()
	r.invalidations.Add(1)
}

// InvalidateAll drops every cached entry. Used when a definition update
// broadcast does not name a specific pair.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	r.invalidations.Add(1)
}

// Stats returns a point-in-time view of cache behavior.
func (r *Resolver) Stats() CacheStats {
	r.mu.RLock()
	entries := len(r.cache)
	r.mu.RUnlock()
	return CacheStats{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Invalidations: r.invalidations.Load(),
		Entries:       entries,
	}
}

func (r *Resolver) resolveDefined(def *WorkflowDefinition, req Request) (*Resolution, error) {
	if req.CurrentStage == "" {
		entry := def.Entry()
		return &Resolution{
			NextStage:     entry.Name,
			AgentType:     entry.AgentType,
			TimeoutMS:     entry.TimeoutMS,
			RetryStrategy: entry.RetryStrategy,
			NewProgress:   req.Progress,
		}, nil
	}

	stage, ok := def.Stage(req.CurrentStage)
	if !ok {
		return nil, fmt.Errorf("resolve %s/%s: %w: stage %s",
			def.PlatformID, def.WorkflowType, ErrDefinitionNotFound, req.CurrentStage)
	}

	target := stage.OnSuccess
	skipped := false
	if req.Failed {
		target = stage.FailureTarget()
		if target == EndTarget {
			return &Resolution{
				NewProgress:     req.Progress,
				Terminal:        true,
				TerminalFailure: true,
			}, nil
		}
		if target == SkipTarget {
			target = stage.OnSuccess
			skipped = true
		}
	}

	progress := monotone(req.Progress, def.progressAfter(req.CurrentStage))
	if target == EndTarget {
		return &Resolution{NewProgress: progress, Terminal: true, Skipped: skipped}, nil
	}

	next, ok := def.Stage(target)
	if !ok {
		return nil, fmt.Errorf("resolve %s/%s: %w: stage %s",
			def.PlatformID, def.WorkflowType, ErrDefinitionNotFound, target)
	}
	return &Resolution{
		NextStage:     next.Name,
		AgentType:     next.AgentType,
		TimeoutMS:     next.TimeoutMS,
		RetryStrategy: next.RetryStrategy,
		NewProgress:   progress,
		Skipped:       skipped,
	}, nil
}

func (r *Resolver) resolveBuiltin(req Request) (*Resolution, error) {
	seq, ok := BuiltinSequence(req.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("no built-in sequence for workflow type %q", req.WorkflowType)
	}

	if req.CurrentStage == "" {
		return r.builtinStage(seq, 0, req.Progress)
	}

	idx := -1
	for i, name := range seq {
		if name == req.CurrentStage {
			idx = i
			break
		}
	}
	if idx < 0 {
		// A definition that disappeared mid-workflow leaves the workflow on
		// a stage name the built-in sequence does not know. Resume at the
		// sequence entry; progress stays monotone.
		if req.Failed {
			return &Resolution{
				NewProgress:     req.Progress,
				Terminal:        true,
				TerminalFailure: true,
				IsFallback:      true,
				FallbackReason:  FallbackBuiltin,
			}, nil
		}
		return r.builtinStage(seq, 0, req.Progress)
	}

	// The built-in sequences have no failure edges: a failed stage that has
	// exhausted its retries terminates the workflow.
	if req.Failed {
		return &Resolution{
			NewProgress:     req.Progress,
			Terminal:        true,
			TerminalFailure: true,
			IsFallback:      true,
			FallbackReason:  FallbackBuiltin,
		}, nil
	}

	progress := monotone(req.Progress, fallbackProgress(idx))
	if idx+1 >= len(seq) {
		return &Resolution{
			NewProgress:    progress,
			Terminal:       true,
			IsFallback:     true,
			FallbackReason: FallbackBuiltin,
		}, nil
	}
	return r.builtinStage(seq, idx+1, progress)
}

func (r *Resolver) builtinStage(seq []string, idx, progress int) (*Resolution, error) {
	name := seq[idx]
	agent, ok := BuiltinAgent(name)
	if !ok {
		return nil, fmt.Errorf("no agent mapped for built-in stage %q", name)
	}
	return &Resolution{
		NextStage: name,
		AgentType: agent,
		TimeoutMS: fallbackTimeoutMS,
		RetryStrategy: RetryStrategy{
			MaxRetries: fallbackMaxRetries,
			BackoffMS:  fallbackBackoffMS,
		},
		NewProgress:    progress,
		IsFallback:     true,
		FallbackReason: FallbackBuiltin,
	}, nil
}

func monotone(current, computed int) int {
	if computed < current {
		return current
	}
	if computed > 100 {
		return 100
	}
	return computed
}
