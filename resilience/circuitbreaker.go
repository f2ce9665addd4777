package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusflow/reactor/errs"
)

// CircuitState is one of the three states a CircuitBreaker can be in.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 1
	}
	return c
}

// CircuitBreaker is a three-state gate (closed -> open -> half_open ->
// closed) that stops calling a failing dependency until it has had time to
// recover.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	halfOpenSuccess int
	lastFailureTime time.Time
}

// NewCircuitBreaker constructs a CircuitBreaker starting in the closed
// state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.normalized(), state: CircuitClosed}
}

// State reports the breaker's current state, advancing open -> half_open
// if ResetTimeout has elapsed since the last failure.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccess = 0
	}
}

// Reset returns the breaker to closed unconditionally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenSuccess = 0
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	if cb.state == CircuitOpen {
		return errs.Newf(errs.CircuitOpen, "circuit breaker is open, resets in %s", cb.cfg.ResetTimeout-time.Since(cb.lastFailureTime))
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenSuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.halfOpenSuccess = 0
		}
	default:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = time.Now()
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.halfOpenSuccess = 0
	default:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
		}
	}
}

// Execute runs fn if the circuit is closed or half-open, recording the
// outcome to drive the state machine. If the circuit is open, fn is never
// invoked and Execute fails immediately with errs.CircuitOpen.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return zero, err
	}
	cb.recordSuccess()
	return result, nil
}
