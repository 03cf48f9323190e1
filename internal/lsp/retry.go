package lsp

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls the transient-failure retry wrapper around
// individual requests. This is independent of the supervisor's restart
// backoff, which governs process respawns.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each failed attempt.
	Multiplier float64

	// Jitter is the fraction of the backoff randomized on each sleep,
	// in [0, 1]. 0.2 means the actual delay is within ±20% of nominal.
	Jitter float64
}

// DefaultRetryConfig returns the default request retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// CalculateBackoff computes the delay before attempt n (1-based) using
// capped exponential growth.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// jitter randomizes d within ±fraction. Desynchronizes retry storms when
// several callers hit the same transient failure.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	delta := fraction * float64(d)
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Retry runs fn until it succeeds, fails permanently, or attempts are
// exhausted. Only transient errors (timeouts, transport failures,
// crash-interrupted requests) are retried; validation errors, engine-side
// RPC errors and the fatal state fail immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := jitter(CalculateBackoff(attempt-1, cfg.InitialBackoff, cfg.MaxBackoff, cfg.Multiplier), cfg.Jitter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// RetryValue is Retry for calls that produce a result.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
