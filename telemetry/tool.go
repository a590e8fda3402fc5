package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxParamLength bounds parameter values copied onto tool spans.
const maxParamLength = 256

// FinishFunc ends a span started by one of the Start helpers. A non-nil err
// marks the span failed.
type FinishFunc func(err error)

// StartToolSpan starts the span "mcp.tool.<tool>" for one tool invocation.
// params are copied as mcp.param.<key> attributes. The returned FinishFunc
// ends the span and records mcp.tool.invocations and mcp.tool.duration;
// mcp.tool.active_requests is raised until then.
func (o *OTelProvider) StartToolSpan(ctx context.Context, tool string, params map[string]interface{}) (context.Context, FinishFunc) {
	attrs := make([]attribute.KeyValue, 0, len(params)+1)
	attrs = append(attrs, attribute.String("mcp.tool.name", tool))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("mcp.param."+k, truncate(fmt.Sprint(params[k]), maxParamLength)))
	}

	ctx, span := o.tracer.Start(ctx, "mcp.tool."+tool,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	_ = o.metrics.RecordUpDownCounter(ctx, MetricToolActive, 1, toolAttr)
	start := time.Now()

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		elapsed := float64(time.Since(start).Microseconds()) / 1000
		_ = o.metrics.RecordUpDownCounter(ctx, MetricToolActive, -1, toolAttr)
		_ = o.metrics.RecordCounter(ctx, MetricToolInvocations, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		))
		_ = o.metrics.RecordHistogram(ctx, MetricToolDuration, elapsed, metric.WithAttributes(
			attribute.String("tool", tool),
		))
		span.End()
	}
}

// StartMemorySpan starts the span "memory.<operation>" around a memory
// operation. The caller ends it.
func (o *OTelProvider) StartMemorySpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, attribute.String("memory.operation", operation))
	all = append(all, attrs...)
	return o.tracer.Start(ctx, "memory."+operation, trace.WithAttributes(all...))
}

// StartLLMSpan starts the span "llm.<provider>.<model>" for one model call.
// The FinishFunc records llm.latency_ms.
func (o *OTelProvider) StartLLMSpan(ctx context.Context, provider, model string) (context.Context, FinishFunc) {
	ctx, span := o.tracer.Start(ctx, "llm."+provider+"."+model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
	start := time.Now()

	return ctx, func(err error) {
		latency := float64(time.Since(start).Microseconds()) / 1000
		span.SetAttributes(attribute.Float64("llm.latency_ms", latency))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		_ = o.metrics.RecordHistogram(ctx, MetricLLMLatency, latency, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		))
		span.End()
	}
}
