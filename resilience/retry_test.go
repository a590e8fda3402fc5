package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itsneelabh/loopwatch/core"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return core.ErrConnectionFailed
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryMaxAttemptsExceeded checks both the sentinel and the last error
// are reachable through errors.Is.
func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	lastErr := errors.New("persistent error")

	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return lastErr
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if !errors.Is(err, lastErr) {
		t.Errorf("Expected the last error to be wrapped, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryShouldRetry(t *testing.T) {
	config := fastConfig(5)
	config.ShouldRetry = core.IsRetryable

	attempts := 0
	err := Retry(context.Background(), config, func(context.Context) error {
		attempts++
		return core.ErrInvalidConfiguration
	})

	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected the permanent error unchanged, got: %v", err)
	}
	if errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Error("A permanent error must not be reported as exhaustion")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryOnRetry(t *testing.T) {
	config := fastConfig(3)
	var seen []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
		if err == nil {
			t.Error("OnRetry called without an error")
		}
		if delay <= 0 {
			t.Errorf("Expected a positive delay, got %v", delay)
		}
	}

	_ = Retry(context.Background(), config, func(context.Context) error {
		return core.ErrTimeout
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected OnRetry for attempts 1 and 2, got %v", seen)
	}
}

// TestRetryContextCancellation tests cancellation while waiting
func TestRetryContextCancellation(t *testing.T) {
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	config.OnRetry = func(int, error, time.Duration) { cancel() }

	err := Retry(ctx, config, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetryCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, fastConfig(3), func(context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if called {
		t.Error("fn must not run on a canceled context")
	}
}

func TestRetryBackoff(t *testing.T) {
	config := &RetryConfig{
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := config.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryBackoffJitter(t *testing.T) {
	config := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 1.0,
		JitterEnabled: true,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		got := config.backoff(attempt)
		if got < 100*time.Millisecond || got > 110*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want within 10%% above 100ms", attempt, got)
		}
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{}, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()
	if config.MaxAttempts != 3 || config.InitialDelay != 100*time.Millisecond || !config.JitterEnabled {
		t.Errorf("Unexpected defaults: %+v", config)
	}
}
