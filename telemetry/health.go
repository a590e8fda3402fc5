package telemetry

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health is the state of the telemetry pipeline, served by HealthHandler.
type Health struct {
	Initialized     bool   `json:"initialized"`
	Enabled         bool   `json:"enabled"`
	TraceExporter   string `json:"trace_exporter,omitempty"`
	MetricExporter  string `json:"metric_exporter,omitempty"`
	MetricsEmitted  int64  `json:"metrics_emitted"`
	MetricsDropped  int64  `json:"metrics_dropped"`
	Errors          int64  `json:"errors"`
	LastError       string `json:"last_error,omitempty"`
	CircuitState    string `json:"circuit_state"`
	Uptime          string `json:"uptime,omitempty"`
	CardinalityUsed int    `json:"cardinality_used"`
	CardinalityMax  int    `json:"cardinality_max"`
}

// Status maps h to an HTTP status: 503 when uninitialized, disabled,
// circuit-open or failing every emission, 206 above a 10% error rate and
// 200 otherwise.
func (h Health) Status() int {
	switch {
	case !h.Initialized || !h.Enabled:
		return http.StatusServiceUnavailable
	case h.CircuitState == string(CircuitOpen):
		return http.StatusServiceUnavailable
	case h.Errors > 0 && h.MetricsEmitted == 0:
		return http.StatusServiceUnavailable
	case float64(h.Errors)/float64(h.MetricsEmitted+1) > 0.1:
		return http.StatusPartialContent
	default:
		return http.StatusOK
	}
}

// GetHealth returns the current health of the global registry.
func GetHealth() Health {
	r := GetRegistry()
	if r == nil {
		return Health{CircuitState: string(CircuitDisabled)}
	}

	lastErr, _ := r.lastError.Load().(string)

	h := Health{
		Initialized:    true,
		Enabled:        r.config.Enabled,
		TraceExporter:  r.config.TraceExporter,
		MetricExporter: r.config.MetricExporter,
		MetricsEmitted: r.emitted.Load(),
		MetricsDropped: telemetryDropped.Load(),
		Errors:         telemetryErrors.Load(),
		LastError:      lastErr,
		CircuitState:   string(r.circuit.State()),
		Uptime:         time.Since(r.startTime).Round(time.Second).String(),
	}
	if r.limiter != nil {
		h.CardinalityUsed = r.limiter.CurrentCardinality()
		h.CardinalityMax = r.limiter.MaxCardinality()
	}
	return h
}

// HealthHandler serves GetHealth as JSON.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	health := GetHealth()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(health.Status())
	_ = json.NewEncoder(w).Encode(health)
}

// InternalMetrics are the registry's own counters.
type InternalMetrics struct {
	Errors  int64 `json:"errors"`
	Dropped int64 `json:"dropped"`
	Emitted int64 `json:"emitted"`
}

func GetInternalMetrics() InternalMetrics {
	m := InternalMetrics{
		Errors:  telemetryErrors.Load(),
		Dropped: telemetryDropped.Load(),
	}
	if r := GetRegistry(); r != nil {
		m.Emitted = r.emitted.Load()
	}
	return m
}

// ResetInternalMetrics zeroes the internal counters. Tests use it.
func ResetInternalMetrics() {
	telemetryErrors.Store(0)
	telemetryDropped.Store(0)
	if r := GetRegistry(); r != nil {
		r.emitted.Store(0)
	}
}
