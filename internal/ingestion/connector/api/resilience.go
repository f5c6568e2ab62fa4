package api

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// CBState mirrors gobreaker's three circuit breaker states.
type CBState int

const (
	StateClosed CBState = CBState(gobreaker.StateClosed)
	StateHalfOpen CBState = CBState(gobreaker.StateHalfOpen)
	StateOpen    CBState = CBState(gobreaker.StateOpen)
)

func (s CBState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker is
// open and the cycle is skipped without issuing any HTTP call.
var ErrCircuitOpen = errors.New("api: circuit breaker is open")

// CircuitBreakerConfig configures the per-connector breaker. Threshold
// counts consecutive execution-level failures (an execution fails only
// when no endpoint in the cycle succeeds); ResetTimeout is the open-state
// cool-off before a single half-open trial cycle is allowed.
type CircuitBreakerConfig struct {
	Threshold    int
	ResetTimeout time.Duration
	OnStateChange func(from, to CBState)
}

// DefaultCircuitBreakerConfig matches the spec's defaults: 5 consecutive
// failures, 60s reset timeout.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Threshold: 5, ResetTimeout: 60 * time.Second}
}

// CircuitBreaker wraps gobreaker, exposing Execute(ctx, fn) so an entire
// poll cycle's outcome (OR over endpoints) gates the breaker rather than
// any single endpoint call.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreaker builds a breaker from cfg, applying defaults for zero
// fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	threshold := uint32(cfg.Threshold)

	settings := gobreaker.Settings{
		MaxRequests: 1, // exactly one trial cycle allowed in half-open
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(CBState(from), CBState(to))
		}
	}
	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CBState {
	return CBState(cb.gb.State())
}

// Execute runs fn (a full poll cycle) under breaker protection. If the
// breaker is open, fn is not called and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	return err
}

// RetryConfig configures per-request retry with jittered exponential
// backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // randomization factor in [0,1)
}

// DefaultRetryConfig matches the spec's defaults: 3 attempts, base delay
// scaled by factor^attempt capped at 30s, jitter enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

// Retry executes fn with exponential backoff, retrying only when fn
// returns a retryable error (see IsRetryable).
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}

// retryableError marks transport and 5xx/429-class failures as eligible
// for the retry loop; fatal 4xx errors are wrapped as permanent instead.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Retryable wraps err so Retry will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was wrapped with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
