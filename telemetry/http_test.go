package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useGlobalRecorder installs a recording tracer provider as the global one,
// which otelhttp reads.
func useGlobalRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	previous := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestTracingMiddlewareCreatesServerSpan(t *testing.T) {
	recorder := useGlobalRecorder(t)

	var sawSpan bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = HasTraceContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	traced := TracingMiddleware("loopwatch")(handler)
	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawSpan)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET /stats", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestTracingMiddlewareExcludedPaths(t *testing.T) {
	recorder := useGlobalRecorder(t)

	called := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	})
	traced := TracingMiddlewareWithConfig("loopwatch", &TracingMiddlewareConfig{
		ExcludedPaths: []string{"/health", "/metrics"},
	})(handler)

	for _, path := range []string{"/health", "/metrics", "/stats"} {
		traced.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 3, called)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET /stats", spans[0].Name())
}

func TestTracingMiddlewareSpanNameFormatter(t *testing.T) {
	recorder := useGlobalRecorder(t)

	traced := TracingMiddlewareWithConfig("loopwatch", &TracingMiddlewareConfig{
		SpanNameFormatter: func(_ string, r *http.Request) string { return "custom " + r.Method },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	traced.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/check", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "custom POST", spans[0].Name())
}

func TestTracingMiddlewareContinuesIncomingTrace(t *testing.T) {
	recorder := useGlobalRecorder(t)

	traced := TracingMiddleware("loopwatch")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	traced.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}
