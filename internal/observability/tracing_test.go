package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_NoEndpoint(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if tp.Enabled() {
		t.Error("Enabled() = true without endpoint")
	}
	if tp.Tracer() == nil {
		t.Error("Tracer() is nil")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// TestInitTracing_WithEndpoint builds the exporting provider. The gRPC
// connection is lazy, so no collector needs to be listening.
func TestInitTracing_WithEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := InitTracing(context.Background(), TracingConfig{
		ServiceVersion: "test",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1,
	})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if !tp.Enabled() {
		t.Error("Enabled() = false with endpoint")
	}
	if otel.GetTracerProvider() != tp.provider {
		t.Error("global tracer provider not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		t.Logf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, sdktrace.AlwaysSample().Description()},
		{2.0, sdktrace.AlwaysSample().Description()},
		{0, sdktrace.NeverSample().Description()},
		{-1, sdktrace.NeverSample().Description()},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestSearchSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := tp.Tracer(TracerName).Start(context.Background(), "retrieval.Search")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("got %d events, want 1 error event", len(ended[0].Events()))
	}
	if ended[0].Status().Description != "boom" {
		t.Errorf("status = %q, want %q", ended[0].Status().Description, "boom")
	}
}
