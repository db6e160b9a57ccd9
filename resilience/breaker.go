package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker is open: the call fails fast
// without touching the downstream dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig parameterizes the three-state circuit breaker wrapped
// around outbound model calls.
type BreakerConfig struct {
	// Name identifies the breaker in logs and state-change events.
	Name string
	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold int
	// MinimumRequests gates the failure-rate check.
	MinimumRequests int
	// FailureRateThreshold trips when failures/requests reaches this
	// percentage and MinimumRequests have been observed.
	FailureRateThreshold float64
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenSuccessThreshold is the consecutive successes required in
	// half-open before closing.
	HalfOpenSuccessThreshold int
	// Timeout bounds each wrapped call.
	Timeout time.Duration
}

// DefaultBreaker returns the model-call breaker defaults.
func DefaultBreaker(name string) BreakerConfig {
	return BreakerConfig{
		Name:                     name,
		FailureThreshold:         5,
		MinimumRequests:          10,
		FailureRateThreshold:     50,
		OpenDuration:             60 * time.Second,
		HalfOpenSuccessThreshold: 2,
		Timeout:                  30 * time.Second,
	}
}

// Breaker wraps sony/gobreaker with the configured trip conditions and a
// per-call timeout.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreaker creates a breaker from cfg. State transitions are logged.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name: cfg.Name,
		// MaxRequests in half-open doubles as the consecutive-success
		// threshold: gobreaker closes after that many successes.
		MaxRequests: uint32(cfg.HalfOpenSuccessThreshold),
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.FailureThreshold > 0 && int(counts.ConsecutiveFailures) >= cfg.FailureThreshold {
				return true
			}
			if cfg.MinimumRequests > 0 && int(counts.Requests) >= cfg.MinimumRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
				return rate >= cfg.FailureRateThreshold
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Breaker{
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
	}
}

// Call runs fn through the breaker under the configured per-call timeout.
// While open, Call fails fast with ErrCircuitOpen.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
	}
	return err
}

// State returns the current breaker state name: closed, half-open, or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
