package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddlewareConfig configures TracingMiddlewareWithConfig.
type TracingMiddlewareConfig struct {
	// ExcludedPaths are served without a span, e.g. "/health" and "/metrics".
	ExcludedPaths []string

	// SpanNameFormatter overrides the default "HTTP {method} {path}".
	SpanNameFormatter func(operation string, r *http.Request) string
}

// TracingMiddleware wraps a handler with otelhttp so every request gets a
// server span and incoming W3C trace context is honored.
//
// Propagators are installed by Initialize. Before that the middleware runs
// against the no-op tracer.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return TracingMiddlewareWithConfig(serviceName, nil)
}

// TracingMiddlewareWithConfig is TracingMiddleware with path exclusions and
// span naming.
//
//	traced := telemetry.TracingMiddlewareWithConfig("loopwatch", &telemetry.TracingMiddlewareConfig{
//	    ExcludedPaths: []string{"/health", "/metrics"},
//	})(mux)
func TracingMiddlewareWithConfig(serviceName string, config *TracingMiddlewareConfig) func(http.Handler) http.Handler {
	var opts []otelhttp.Option

	if config != nil && len(config.ExcludedPaths) > 0 {
		excluded := make(map[string]struct{}, len(config.ExcludedPaths))
		for _, path := range config.ExcludedPaths {
			excluded[path] = struct{}{}
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			_, skip := excluded[r.URL.Path]
			return !skip
		}))
	}

	formatter := func(_ string, r *http.Request) string {
		return "HTTP " + r.Method + " " + r.URL.Path
	}
	if config != nil && config.SpanNameFormatter != nil {
		formatter = config.SpanNameFormatter
	}
	opts = append(opts, otelhttp.WithSpanNameFormatter(formatter))

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}
