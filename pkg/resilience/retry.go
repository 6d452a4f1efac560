// Package resilience provides the retry and circuit breaker primitives
// shared by the embedding client, the discovery pipeline and the
// directory agent.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for retries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RetryIf decides whether an error is worth retrying. Nil retries all.
	RetryIf func(error) bool
}

// DefaultRetryConfig matches the upstream call contract: base 250 ms,
// cap 4 s, five attempts, randomized +/-20%.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
	}
}

// Retry runs operation with exponential backoff until it succeeds, the
// attempt budget is spent, or ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // bounded by attempts, not wall time

	var policy backoff.BackOff = b
	if cfg.MaxAttempts > 0 {
		// WithMaxRetries counts retries after the first attempt.
		policy = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// RetryWithResult is Retry for operations that return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, operation func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})
	return result, err
}
