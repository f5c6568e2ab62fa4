package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCircuitBreakerOpensAfterThreshold exercises S3: with threshold 2,
// two consecutive execution failures open the breaker, and the next
// Execute call is skipped without invoking fn.
func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetTimeout: time.Minute})

	failing := func() error { return errors.New("endpoint down") }

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())

	var called bool
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "breaker must skip the cycle without issuing any call")
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetTimeout: 20 * time.Millisecond})

	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerAnySuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 3, ResetTimeout: time.Minute})

	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))
	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))

	// Only two consecutive failures since the reset; threshold 3 not hit.
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetryRetriesOnlyRetryableErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		return Retryable(errors.New("transient"))
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnFatalError(t *testing.T) {
	attempts := 0
	fatal := errors.New("fatal 404")
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return fatal
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable error must not be retried")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}
