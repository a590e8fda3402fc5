package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testProvider is an OTelProvider backed by in-memory trace and metric
// readers.
type testProvider struct {
	*OTelProvider
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return &testProvider{
		OTelProvider: NewProviderFromSDK(tp, mp),
		spans:        spans,
		reader:       reader,
	}
}

func (p *testProvider) collect(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, p.reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumInt64 totals the int64 sum data points of m that carry attr, or all
// points when attr is the zero KeyValue.
func sumInt64(t *testing.T, m metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T, not an int64 sum", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if attr.Key != "" {
			v, found := dp.Attributes.Value(attr.Key)
			if !found || v.Emit() != attr.Value.Emit() {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func histogramCount(t *testing.T, m metricdata.Metrics) (uint64, float64) {
	t.Helper()
	h, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "metric %s is %T, not a float64 histogram", m.Name, m.Data)
	var count uint64
	var total float64
	for _, dp := range h.DataPoints {
		count += dp.Count
		total += dp.Sum
	}
	return count, total
}

func gaugeValue(t *testing.T, m metricdata.Metrics) float64 {
	t.Helper()
	g, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "metric %s is %T, not a float64 gauge", m.Name, m.Data)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

// resetGlobalRegistry lets a test call Initialize again.
func resetGlobalRegistry(t *testing.T) {
	t.Helper()
	_ = Shutdown(context.Background())
	initOnce = sync.Once{}
	globalRegistry.Store((*Registry)(nil))
	ResetInternalMetrics()
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
		initOnce = sync.Once{}
		globalRegistry.Store((*Registry)(nil))
	})
}

// scrapeConfig exports metrics through the Prometheus handler and drops
// traces, so tests need no network.
func scrapeConfig() Config {
	return Config{
		Enabled:        true,
		ServiceName:    "loopwatch-test",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
	}
}
