package embed

import (
	"context"
	"math/rand"
	"time"

	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

// RetryConfig configures retry behavior for API calls.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts, including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Exponential backoff factor
	Jitter       float64       // Fraction of the delay randomized (0..1)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// DoWithRetry executes fn with exponential backoff. Only errors marked
// retryable (HTTP 429 and 5xx) are retried; anything else fails fast. If the
// context is cancelled the context error is returned immediately.
func DoWithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !qaerrors.IsRetryable(err) || attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay, cfg.Jitter)):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// withJitter randomizes a delay by up to +/- fraction/2.
func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
