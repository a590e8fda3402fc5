package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a TelemetryCircuitBreaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
	// CircuitDisabled is reported by a nil breaker.
	CircuitDisabled CircuitState = "disabled"
)

// CircuitConfig configures the telemetry circuit breaker
type CircuitConfig struct {
	Enabled      bool
	MaxFailures  int
	RecoveryTime time.Duration
	HalfOpenMax  int // Max probe emissions while half-open
}

// TelemetryCircuitBreaker stops metric emission after repeated exporter
// failures so a broken collector cannot slow the detector down. A nil
// breaker allows everything.
type TelemetryCircuitBreaker struct {
	config CircuitConfig
	now    func() time.Time

	state       atomic.Value // CircuitState
	failures    atomic.Int64
	probes      atomic.Int64
	lastFailure atomic.Int64 // unix nanos

	mu sync.Mutex
}

// NewTelemetryCircuitBreaker returns nil when config is disabled.
func NewTelemetryCircuitBreaker(config CircuitConfig) *TelemetryCircuitBreaker {
	if !config.Enabled {
		return nil
	}

	if config.MaxFailures <= 0 {
		config.MaxFailures = 10
	}
	if config.RecoveryTime <= 0 {
		config.RecoveryTime = 30 * time.Second
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 5
	}

	cb := &TelemetryCircuitBreaker{config: config, now: time.Now}
	cb.state.Store(CircuitClosed)
	return cb
}

// Allow reports whether an emission may proceed.
func (cb *TelemetryCircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}

	switch cb.State() {
	case CircuitOpen:
		last := cb.lastFailure.Load()
		if last == 0 || cb.now().Sub(time.Unix(0, last)) <= cb.config.RecoveryTime {
			return false
		}
		cb.transition(CircuitOpen, CircuitHalfOpen, func() {
			cb.probes.Store(0)
			GetLogger().Info("Circuit breaker entering HALF-OPEN state", map[string]interface{}{
				"recovery_wait": cb.config.RecoveryTime.String(),
				"max_probes":    cb.config.HalfOpenMax,
			})
		})
		return true

	case CircuitHalfOpen:
		if cb.probes.Load() < int64(cb.config.HalfOpenMax) {
			return true
		}
		GetLogger().Debug("Circuit breaker rejecting emission while half-open", map[string]interface{}{
			"probes":     cb.probes.Load(),
			"max_probes": cb.config.HalfOpenMax,
		})
		return false

	default:
		return true
	}
}

// RecordSuccess counts a successful emission. HalfOpenMax successes while
// half-open close the circuit; any success while closed clears failures.
func (cb *TelemetryCircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	switch cb.State() {
	case CircuitHalfOpen:
		probes := cb.probes.Add(1)
		if probes < int64(cb.config.HalfOpenMax) {
			return
		}
		cb.transition(CircuitHalfOpen, CircuitClosed, func() {
			cb.failures.Store(0)
			GetLogger().Info("Circuit breaker CLOSED - Telemetry recovered", map[string]interface{}{
				"probes": probes,
				"impact": "Metrics emission resumed",
			})
		})
	case CircuitClosed:
		cb.failures.Store(0)
	}
}

// RecordFailure counts a failed emission and opens the circuit at
// MaxFailures. A failure while half-open reopens it immediately.
func (cb *TelemetryCircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	failures := cb.failures.Add(1)
	cb.lastFailure.Store(cb.now().UnixNano())

	state := cb.State()
	if state == CircuitHalfOpen || failures >= int64(cb.config.MaxFailures) {
		cb.transition(state, CircuitOpen, func() {
			cb.probes.Store(0)
			GetLogger().Warn("Circuit breaker OPENED - Metrics will be dropped", map[string]interface{}{
				"previous_state": string(state),
				"failure_count":  failures,
				"max_failures":   cb.config.MaxFailures,
				"recovery_time":  cb.config.RecoveryTime.String(),
				"action":         "Check OTEL collector health at configured endpoint",
			})
		})
		return
	}

	if failures == 1 {
		GetLogger().Info("Circuit breaker recorded first failure", map[string]interface{}{
			"max_failures": cb.config.MaxFailures,
		})
	} else if failures == int64(cb.config.MaxFailures)-1 {
		GetLogger().Warn("Circuit breaker one failure from opening", map[string]interface{}{
			"failure_count": failures,
			"max_failures":  cb.config.MaxFailures,
			"progress":      fmt.Sprintf("%d/%d", failures, cb.config.MaxFailures),
		})
	}
}

// State returns the current state, CircuitDisabled for a nil breaker.
func (cb *TelemetryCircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitDisabled
	}
	return cb.state.Load().(CircuitState)
}

// Reset closes the circuit and clears all counters.
func (cb *TelemetryCircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	previous := cb.state.Load().(CircuitState)
	cb.state.Store(CircuitClosed)
	cb.failures.Store(0)
	cb.probes.Store(0)
	cb.lastFailure.Store(0)

	if previous != CircuitClosed {
		GetLogger().Info("Circuit breaker manually reset", map[string]interface{}{
			"previous_state": string(previous),
		})
	}
}

// transition moves from -> to under the lock and runs onChange once if the
// state was still from.
func (cb *TelemetryCircuitBreaker) transition(from, to CircuitState, onChange func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state.Load().(CircuitState) != from {
		return
	}
	cb.state.Store(to)
	onChange()
}
