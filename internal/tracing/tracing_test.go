package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	t.Setenv("SERVICE_VERSION", "v1.2.3")
	if got := getVersion(); got != "v1.2.3" {
		t.Errorf("getVersion() = %q, want %q", got, "v1.2.3")
	}
	t.Setenv("SERVICE_VERSION", "")
	if got := getVersion(); got != "dev" {
		t.Errorf("getVersion() = %q, want %q", got, "dev")
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{name: "hostname wins", hostname: "host-1", podName: "pod-1", expected: "host-1"},
		{name: "pod name fallback", hostname: "", podName: "pod-1", expected: "pod-1"},
		{name: "unknown", hostname: "", podName: "", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTrimScheme(t *testing.T) {
	tests := map[string]string{
		"http://tempo:4318":  "tempo:4318",
		"https://tempo:4318": "tempo:4318",
		"tempo:4318":         "tempo:4318",
	}
	for in, want := range tests {
		if got := trimScheme(in); got != want {
			t.Errorf("trimScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "svc", "")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.trigger", attribute.String("tenant_id", "t1"))
	AddSpanEvent(ctx, "subscriptions.loaded", attribute.Int("count", 2))
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "dispatch.trigger" {
		t.Errorf("span name = %q, want %q", got.Name, "dispatch.trigger")
	}
	if len(got.Events) != 2 {
		t.Errorf("span events = %d, want 2 (custom event + recorded error)", len(got.Events))
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
}

func TestGetTraceAndSpanID(t *testing.T) {
	setupTestTracer(t)

	if GetTraceID(context.Background()) != "" || GetSpanID(context.Background()) != "" {
		t.Error("ids should be empty without a span")
	}

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()

	if got := GetTraceID(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", got, span.SpanContext().TraceID().String())
	}
	if got := GetSpanID(ctx); got != span.SpanContext().SpanID().String() {
		t.Errorf("GetSpanID() = %q, want %q", got, span.SpanContext().SpanID().String())
	}
}

func TestNSQPropagationRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	headers := PropagateTraceToNSQ(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("PropagateTraceToNSQ() missing traceparent: %v", headers)
	}

	restored := ExtractTraceFromNSQ(context.Background(), headers)
	if got := GetTraceID(restored); got != span.SpanContext().TraceID().String() {
		t.Errorf("ExtractTraceFromNSQ() trace id = %q, want %q", got, span.SpanContext().TraceID().String())
	}

	if ExtractTraceFromNSQ(context.Background(), nil) == nil {
		t.Error("ExtractTraceFromNSQ(nil headers) returned nil context")
	}
}
