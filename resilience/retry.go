// Package resilience provides the retry, circuit-breaker, and idempotency
// primitives shared by the engine, the bus consumers, and the agent runtime.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls exponential backoff with jitter:
// min(base * 2^(n-1), max) * (1 + U[0, jitter]).
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration
	// JitterFactor randomizes each interval by up to this fraction.
	JitterFactor float64
	// OnRetry is invoked before each retry with the attempt number (1-based)
	// and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// StandardRetry is the preset used for agent execution and adapter calls.
func StandardRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// Permanent marks an error as non-retryable; Retry returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Retry invokes fn with exponential backoff until it succeeds, returns a
// permanent error, the attempt budget is exhausted, or ctx is done. The
// last error is returned after exhaustion.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.JitterFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1)), ctx)

	notify := func(err error, _ time.Duration) {
		attempt++
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	}

	return backoff.RetryNotify(fn, policy, notify)
}
