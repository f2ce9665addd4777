package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, calls)
}

func TestRetryHonorsCustomShouldRetry(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		ShouldRetry: func(error) bool { return false },
	}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond}, func(context.Context) (int, error) {
		return 0, errors.New("fail")
	})
	require.Error(t, err)
}

// TestDelayStaysWithinBoundsProperty verifies that for any normalized
// RetryConfig and any attempt number, delay never exceeds MaxDelay (plus
// jitter headroom) and never goes negative.
func TestDelayStaysWithinBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	strategies := []BackoffStrategy{BackoffFixed, BackoffLinear, BackoffExponential}

	properties.Property("delay is bounded and non-negative", prop.ForAll(
		func(strategyIdx int, initialMs int, maxMs int, attempt int) bool {
			cfg := RetryConfig{
				Strategy:     strategies[strategyIdx%len(strategies)],
				InitialDelay: time.Duration(initialMs) * time.Millisecond,
				MaxDelay:     time.Duration(maxMs) * time.Millisecond,
			}.normalized()
			d := cfg.delay(attempt)
			if d < 0 {
				return false
			}
			// allow one-sixth (about 17%) headroom above MaxDelay for jitter
			return d <= cfg.MaxDelay+cfg.MaxDelay/6
		},
		gen.IntRange(0, 2),
		gen.IntRange(1, 1000),
		gen.IntRange(1, 60000),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
