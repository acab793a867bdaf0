// Copyright 2025 James Ross
package obs

import (
	"context"
	"testing"

	"github.com/jobqueue/jobqueue/internal/config"
	"github.com/jobqueue/jobqueue/internal/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestMaybeInitTracing(t *testing.T) {
	tests := []struct {
		name      string
		config    *config.Config
		expectNil bool
	}{
		{
			name:      "tracing disabled",
			config:    &config.Config{Observability: config.Observability{Tracing: config.Tracing{Enabled: false}}},
			expectNil: true,
		},
		{
			name: "tracing enabled with endpoint",
			config: &config.Config{Observability: config.Observability{Tracing: config.Tracing{
				Enabled:          true,
				Endpoint:         "http://localhost:4318/v1/traces",
				Environment:      "test",
				SamplingStrategy: "always",
				SamplingRate:     1.0,
			}}},
			expectNil: false,
		},
		{
			name:      "tracing enabled without endpoint",
			config:    &config.Config{Observability: config.Observability{Tracing: config.Tracing{Enabled: true}}},
			expectNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			tp, err := MaybeInitTracing(tt.config)
			if err != nil {
				t.Fatalf("MaybeInitTracing() error = %v", err)
			}
			if tt.expectNil && tp != nil {
				t.Errorf("expected nil tracer provider, got %v", tp)
			}
			if !tt.expectNil && tp == nil {
				t.Errorf("expected non-nil tracer provider")
			}
			if tp != nil {
				tp.Shutdown(context.Background())
			}
		})
	}
}

func TestContextWithJobSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	jobs := []*core.Job{
		{ID: "job-123", Type: "email", Priority: 5, Attempts: 2, TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7"},
		{ID: "job-456", Type: "email", Priority: 0, TraceID: "invalid-trace-id", SpanID: "invalid-span-id"},
		{ID: "job-789", Type: "report"},
	}
	for _, j := range jobs {
		ctx, span := ContextWithJobSpan(context.Background(), j)
		if !span.IsRecording() {
			t.Errorf("expected span to be recording for %s", j.ID)
		}
		span.End()
		if !span.SpanContext().IsValid() {
			t.Errorf("expected valid span context for %s", j.ID)
		}
		_ = ctx
	}
}

func TestStartAddSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	_, span := StartAddSpan(context.Background(), "email", 5)
	defer span.End()
	if !span.IsRecording() {
		t.Error("expected span to be recording")
	}
}

func TestRecordErrorAndSuccess(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	RecordError(ctx, nil)
	RecordError(ctx, &testError{message: "boom"})
	SetSpanSuccess(ctx)
	RecordError(context.Background(), &testError{message: "no span"})
}

func TestGetTraceAndSpanID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	traceID, spanID := GetTraceAndSpanID(ctx)
	if len(traceID) != 32 {
		t.Errorf("expected trace ID length 32, got %d", len(traceID))
	}
	if len(spanID) != 16 {
		t.Errorf("expected span ID length 16, got %d", len(spanID))
	}

	emptyTrace, emptySpan := GetTraceAndSpanID(context.Background())
	if emptyTrace != "" || emptySpan != "" {
		t.Error("expected empty IDs for context without span")
	}
}

func TestTracerShutdown(t *testing.T) {
	if err := TracerShutdown(context.Background(), nil); err != nil {
		t.Errorf("expected no error for nil tracer provider, got %v", err)
	}
	tp := sdktrace.NewTracerProvider()
	if err := TracerShutdown(context.Background(), tp); err != nil {
		t.Errorf("unexpected error shutting down tracer provider: %v", err)
	}
}

func TestKeyValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"string", "value"},
		{"int", 42},
		{"int64", int64(42)},
		{"float64", 3.14},
		{"bool", true},
		{"other", struct{}{}},
	}
	for _, tt := range tests {
		kv := KeyValue("key", tt.value)
		if kv.Key != "key" {
			t.Errorf("expected key %q, got %q", "key", kv.Key)
		}
	}
}

func TestTracingSamplingStrategies(t *testing.T) {
	for _, strategy := range []string{"always", "never", "probabilistic", "unknown"} {
		cfg := &config.Config{Observability: config.Observability{Tracing: config.Tracing{
			Enabled:          true,
			Endpoint:         "http://localhost:4318/v1/traces",
			SamplingStrategy: strategy,
			SamplingRate:     0.5,
		}}}
		tp, err := MaybeInitTracing(cfg)
		if err != nil {
			t.Fatalf("MaybeInitTracing(%s) error = %v", strategy, err)
		}
		if tp == nil {
			t.Fatalf("expected non-nil tracer provider for strategy %s", strategy)
		}
		tp.Shutdown(context.Background())
	}
}

func TestPropagationRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tracer := otel.Tracer("test")
	originalCtx, originalSpan := tracer.Start(context.Background(), "original-span")
	defer originalSpan.End()
	originalTraceID, originalSpanID := GetTraceAndSpanID(originalCtx)

	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(originalCtx, propagation.MapCarrier(carrier))
	newCtx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(carrier))

	newCtx, childSpan := tracer.Start(newCtx, "child-span")
	defer childSpan.End()
	childTraceID, childSpanID := GetTraceAndSpanID(newCtx)

	if childTraceID != originalTraceID {
		t.Errorf("expected same trace ID, got original=%s child=%s", originalTraceID, childTraceID)
	}
	if childSpanID == originalSpanID {
		t.Error("expected different span IDs for parent and child")
	}
}

type testError struct{ message string }

func (e *testError) Error() string { return e.message }
