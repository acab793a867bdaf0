// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/jobqueue/jobqueue/internal/config"
	"github.com/jobqueue/jobqueue/internal/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and propagation, enabled only when cfg.Observability.Tracing
// names an OTLP endpoint.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Observability.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("jobqueue"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", cfg.Observability.Tracing.Environment),
	)

	var sampler sdktrace.Sampler
	switch cfg.Observability.Tracing.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.Observability.Tracing.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// ContextWithJobSpan starts a span for processing job, honoring the
// job's carried TraceID/SpanID as a remote parent when present and valid.
func ContextWithJobSpan(ctx context.Context, job *core.Job) (context.Context, trace.Span) {
	tracer := otel.Tracer("worker")

	if tid, err := trace.TraceIDFromHex(job.TraceID); err == nil {
		if sid, err2 := trace.SpanIDFromHex(job.SpanID); err2 == nil {
			sc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     sid,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}

	ctx, span := tracer.Start(ctx, "job.process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.Int("job.priority", job.Priority),
			attribute.Int("job.attempts", job.Attempts),
			attribute.String("queue.operation", "process"),
		),
	)
	return ctx, span
}

// StartAddSpan creates a span for a Queue.Add/Schedule call.
func StartAddSpan(ctx context.Context, jobType string, priority int) (context.Context, trace.Span) {
	tracer := otel.Tracer("producer")
	return tracer.Start(ctx, "queue.add",
		trace.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.Int("job.priority", priority),
			attribute.String("queue.operation", "add"),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// GetTraceAndSpanID extracts the current trace and span IDs from context,
// for stamping onto a core.Job before it is persisted.
func GetTraceAndSpanID(ctx context.Context) (traceID string, spanID string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		sc := span.SpanContext()
		if sc.IsValid() {
			return sc.TraceID().String(), sc.SpanID().String()
		}
	}
	return "", ""
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
