// Package resilience provides the reusable failure-handling primitives
// consumed by the task executor and by user-written handlers: a circuit
// breaker gate and a standalone retry wrapper (C7). Both share the same
// backoff and jitter algebra as package task, but neither depends on it —
// this package is safe for a handler to import directly without pulling in
// the executor.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nimbusflow/reactor/errs"
)

// BackoffStrategy selects how RetryConfig.delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig configures Retry. ShouldRetry, if set, overrides the default
// retryability check (any error except Cancelled and CircularDependency).
type RetryConfig struct {
	MaxAttempts int
	Strategy    BackoffStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	ShouldRetry  func(error) bool
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Strategy == "" {
		c.Strategy = BackoffFixed
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

func (c RetryConfig) delay(attempt int) time.Duration {
	var base float64
	switch c.Strategy {
	case BackoffLinear:
		base = float64(c.InitialDelay) * float64(attempt)
	case BackoffExponential:
		base = float64(c.InitialDelay) * math.Pow(2, float64(attempt-1))
	default:
		base = float64(c.InitialDelay)
	}
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := base * 0.1 * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not a security boundary
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func defaultShouldRetry(err error) bool {
	if errs.Is(err, errs.Cancelled) || errs.Is(err, errs.CircularDependency) {
		return false
	}
	return true
}

// ExhaustedError reports that Retry ran out of attempts without success.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return errs.Newf(errs.Internal, "retry exhausted after %d attempts: %v", e.Attempts, e.LastError).Error()
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Retry runs fn, retrying according to cfg until it succeeds, a
// non-retryable error is returned, attempts are exhausted, or ctx is
// cancelled. It is independent of the task executor's own retry loop —
// intended for handlers that want retry semantics the executor isn't
// already managing for them.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = defaultShouldRetry
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			var zero T
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}

	var zero T
	return zero, &ExhaustedError{Attempts: cfg.MaxAttempts, LastError: lastErr}
}
