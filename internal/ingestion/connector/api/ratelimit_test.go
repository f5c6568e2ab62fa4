package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateLimitHonored exercises S2: rate limit 2 per 1s, three calls
// fired back to back must have the third block until the window rolls.
func TestRateLimitHonored(t *testing.T) {
	limiter := NewFixedWindowLimiter(2, time.Second)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "third call in the same window must wait for rollover")
}

func TestRateLimitAllowsBurstAcrossWindows(t *testing.T) {
	limiter := NewFixedWindowLimiter(1, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimitRespectsContextCancellation(t *testing.T) {
	limiter := NewFixedWindowLimiter(1, time.Second)
	ctx := context.Background()
	require.NoError(t, limiter.Wait(ctx))

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(cancelCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFixedWindowLimiterDefaults(t *testing.T) {
	l := NewFixedWindowLimiter(0, 0)
	assert.Equal(t, 1, l.requests)
	assert.Equal(t, time.Second, l.window)
}
