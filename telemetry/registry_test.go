package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/loopwatch/core"
)

func TestInitializeConcurrent(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = Initialize(scrapeConfig())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "initialization %d", i)
	}
	require.NotNil(t, GetRegistry())
	assert.NotNil(t, GetProvider())
	assert.NotNil(t, GetTelemetryProvider())
}

func TestEmitBeforeInitialize(t *testing.T) {
	resetGlobalRegistry(t)

	assert.NotPanics(t, func() {
		Counter("loopwatch.test.counter")
		Histogram("loopwatch.test.histogram", 1)
		Gauge("loopwatch.test.gauge", 1)
	})
	assert.Nil(t, GetProvider())
	assert.Nil(t, GetTelemetryProvider())
	assert.Equal(t, int64(0), GetInternalMetrics().Emitted)
}

func TestEmitThroughPrometheus(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)
	require.NoError(t, Initialize(scrapeConfig()))

	Counter("loopwatch.test.requests", "status", "ok")
	Counter("loopwatch.test.requests", "status", "ok")
	Histogram("loopwatch.test.latency", 12.5)
	Gauge("loopwatch.test.inflight", 3)
	Gauge("loopwatch.test.inflight", -1)

	assert.Equal(t, int64(5), GetInternalMetrics().Emitted)

	handler := GetProvider().MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assertExposed(t, body, "loopwatch.test.requests")
	assertExposed(t, body, "loopwatch.test.latency")
	assertExposed(t, body, "loopwatch.test.inflight")
	assert.Contains(t, body, `status="ok"`)
}

func TestEmitCardinalityLimited(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)
	cfg := scrapeConfig()
	cfg.CardinalityLimits = map[string]int{"tool": 2}
	require.NoError(t, Initialize(cfg))

	for i := 0; i < 5; i++ {
		Counter("loopwatch.test.tools", "tool", fmt.Sprintf("tool-%d", i))
	}

	rec := httptest.NewRecorder()
	GetProvider().MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `tool="tool-0"`)
	assert.Contains(t, body, `tool="tool-1"`)
	assert.NotContains(t, body, `tool="tool-2"`)
	assert.Contains(t, body, `tool="other"`)
}

func TestInitializeUnknownExporter(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)

	cfg := scrapeConfig()
	cfg.MetricExporter = "carrier-pigeon"
	err := Initialize(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownExporter))
	assert.True(t, core.IsConfigurationError(err))
	assert.Nil(t, GetRegistry())
}

func TestInitializeDisabled(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)

	require.NoError(t, Initialize(Config{Enabled: false, MetricExporter: "carrier-pigeon"}))
	r := GetRegistry()
	require.NotNil(t, r)
	assert.Nil(t, r.Provider().MetricsHandler())

	health := GetHealth()
	assert.True(t, health.Initialized)
	assert.False(t, health.Enabled)
	assert.Equal(t, http.StatusServiceUnavailable, health.Status())
}

func TestDeclaredMetricsAreCreated(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)
	DeclareMetrics("test", ModuleConfig{Metrics: []MetricDefinition{
		{Name: "loopwatch.test.declared", Type: "counter"},
	}})
	t.Cleanup(func() { declaredMetrics.Delete("test") })

	require.NoError(t, Initialize(scrapeConfig()))

	rec := httptest.NewRecorder()
	GetProvider().MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assertExposed(t, rec.Body.String(), "loopwatch.test.declared")
}

func TestShutdownClearsRegistry(t *testing.T) {
	resetGlobalRegistry(t)
	GetLogger().SetOutput(io.Discard)
	require.NoError(t, Initialize(scrapeConfig()))

	require.NoError(t, Shutdown(context.Background()))
	assert.Nil(t, GetRegistry())
	assert.NoError(t, Shutdown(context.Background()), "second shutdown is a no-op")

	assert.NotPanics(t, func() { Counter("loopwatch.test.after_shutdown") })
}

// assertExposed accepts both escaped and UTF-8 Prometheus metric names.
func assertExposed(t *testing.T, body, name string) {
	t.Helper()
	escaped := strings.ReplaceAll(name, ".", "_")
	assert.True(t, strings.Contains(body, escaped) || strings.Contains(body, name),
		"metric %s not exposed", name)
}

func TestParseLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, parseLabels("a", "1", "b", "2"))
	assert.Equal(t, map[string]string{"a": "1"}, parseLabels("a", "1", "dangling"))
	assert.Empty(t, parseLabels())
}
