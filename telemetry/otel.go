package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/itsneelabh/loopwatch/core"
)

// InstrumentationName names the tracer and meter used by loopwatch.
const InstrumentationName = "github.com/itsneelabh/loopwatch"

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// OTelProvider implements core.Telemetry with OpenTelemetry
type OTelProvider struct {
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *MetricInstruments

	// metricsHandler serves the Prometheus registry when the prometheus
	// metric exporter is selected.
	metricsHandler http.Handler

	shutdownFuncs []func(context.Context) error
}

// NewOTelProvider builds tracer and meter providers from config, installs
// them as the OpenTelemetry globals and returns the provider.
func NewOTelProvider(ctx context.Context, config Config) (*OTelProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &OTelProvider{}

	var tp trace.TracerProvider = tracenoop.NewTracerProvider()
	if config.TraceExporter != ExporterNone {
		exporter, err := newSpanExporter(ctx, config)
		if err != nil {
			return nil, err
		}
		sdkTP := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(newSampler(config.SamplingRate)),
		)
		p.shutdownFuncs = append(p.shutdownFuncs, sdkTP.Shutdown)
		tp = sdkTP
	}

	var mp metric.MeterProvider = metricnoop.NewMeterProvider()
	if config.MetricExporter != ExporterNone {
		reader, handler, err := newMetricReader(ctx, config)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		sdkMP := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		p.shutdownFuncs = append(p.shutdownFuncs, sdkMP.Shutdown)
		p.metricsHandler = handler
		mp = sdkMP
	}

	// Set global providers
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = tp.Tracer(InstrumentationName)
	p.meter = mp.Meter(InstrumentationName)
	p.metrics = NewMetricInstruments(p.meter)
	return p, nil
}

// NewProviderFromSDK wraps existing tracer and meter providers without
// touching the globals. Either may be nil, in which case a no-op is used.
func NewProviderFromSDK(tp trace.TracerProvider, mp metric.MeterProvider) *OTelProvider {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)
	return &OTelProvider{
		tracer:  tp.Tracer(InstrumentationName),
		meter:   meter,
		metrics: NewMetricInstruments(meter),
	}
}

func newSpanExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch config.TraceExporter {
	case ExporterOTLP, "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, unknownExporter("trace", config.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", config.TraceExporter, err)
	}
	return exporter, nil
}

func newMetricReader(ctx context.Context, config Config) (sdkmetric.Reader, http.Handler, error) {
	switch config.MetricExporter {
	case ExporterOTLP, "":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exporter), nil, nil

	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		return exporter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exporter), nil, nil

	default:
		return nil, nil, unknownExporter("metric", config.MetricExporter)
	}
}

func unknownExporter(kind, name string) error {
	return &core.FrameworkError{
		Op:      "telemetry.NewOTelProvider",
		Kind:    "config",
		ID:      name,
		Message: fmt.Sprintf("unknown %s exporter %q", kind, name),
		Err:     fmt.Errorf("%w: %w", ErrUnknownExporter, core.ErrInvalidConfiguration),
	}
}

func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the loopwatch tracer.
func (o *OTelProvider) Tracer() trace.Tracer { return o.tracer }

// Meter returns the loopwatch meter.
func (o *OTelProvider) Meter() metric.Meter { return o.meter }

// Metrics returns the cached instrument set.
func (o *OTelProvider) Metrics() *MetricInstruments { return o.metrics }

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// prometheus exporter is not in use.
func (o *OTelProvider) MetricsHandler() http.Handler { return o.metricsHandler }

// StartSpan starts a new telemetry span
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records value into the histogram called name.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	_ = o.record(context.Background(), kindHistogram, name, value, labels)
}

func (o *OTelProvider) record(ctx context.Context, kind metricKind, name string, value float64, labels map[string]string) error {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch kind {
	case kindCounter:
		return o.metrics.RecordFloatCounter(ctx, name, value, metric.WithAttributes(attrs...))
	case kindUpDown:
		return o.metrics.RecordUpDownCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		return o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

// Shutdown flushes and stops the exporters.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if o.metrics != nil {
		if err := o.metrics.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range o.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
