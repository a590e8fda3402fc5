// Package resilience retries transient failures with exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/loopwatch/core"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil retries every error.
	ShouldRetry func(error) bool

	// OnRetry is called before sleeping with the failed attempt number,
	// its error and the delay that follows.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig is three attempts starting at 100ms, doubling up to 5s,
// with jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds, ShouldRetry rejects its error, the
// attempts run out or ctx is done. Exhaustion wraps the last error together
// with core.ErrMaxRetriesExceeded.
func Retry(ctx context.Context, config *RetryConfig, fn func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if config.ShouldRetry != nil && !config.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := config.backoff(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", attempts,
		fmt.Errorf("%w: %w", core.ErrMaxRetriesExceeded, lastErr))
}

// backoff returns the delay after the given failed attempt:
// InitialDelay * BackoffFactor^(attempt-1), capped at MaxDelay, plus up to
// 10% deterministic jitter.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterEnabled {
		delay += time.Duration(float64(delay) * 0.1 * math.Abs(math.Sin(float64(attempt))))
	}
	return delay
}
