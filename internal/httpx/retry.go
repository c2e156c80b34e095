// Package httpx provides a shared retry-with-backoff helper for the
// engine's outbound HTTP calls (the embedding service and the remote
// curated store).
package httpx

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the engine's default retry policy: three
// retries with jittered exponential backoff, bounded so the total wait
// stays well inside the 30-second read timeout the component design
// allots HTTP calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
}

// Do runs fn, retrying on error with exponential backoff and jitter until
// MaxRetries is exhausted or ctx is cancelled.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err != nil {
			lastErr = err
			if attempt >= cfg.MaxRetries {
				break
			}

			jitter := time.Duration(rand.Int63n(int64(delay) / 2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
