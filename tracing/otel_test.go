package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newTestTracer(t *testing.T) (*OTelTracer, *tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	tracer := NewOTelTracer(Config{
		ServiceName:    "test-idem",
		TracerProvider: tp,
	})
	return tracer, exporter, tp
}

func TestOTelTracer_StartRequest(t *testing.T) {
	tracer, exporter, tp := newTestTracer(t)

	_, span := tracer.StartRequest(context.Background(), "ThisIsKey1", "POST", "/payments/123")
	span.End()

	tp.ForceFlush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name != "idem.process_request" {
		t.Errorf("expected span name 'idem.process_request', got '%s'", s.Name)
	}

	want := map[string]string{
		"idem.key":            "ThisIsKey1",
		"http.request.method": "POST",
		"url.path":            "/payments/123",
	}
	for _, attr := range s.Attributes {
		if expected, ok := want[string(attr.Key)]; ok {
			if attr.Value.AsString() != expected {
				t.Errorf("expected %s '%s', got '%s'", attr.Key, expected, attr.Value.AsString())
			}
			delete(want, string(attr.Key))
		}
	}
	for key := range want {
		t.Errorf("%s attribute not found", key)
	}
}

func TestOTelTracer_StoreSpanIsChildOfResponse(t *testing.T) {
	tracer, exporter, tp := newTestTracer(t)

	ctx, respSpan := tracer.StartResponse(context.Background(), "k", "POST", "/payments/123")
	_, storeSpan := tracer.StartStore(ctx, "update_full")
	storeSpan.End()
	respSpan.End()

	tp.ForceFlush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	var storeData, respData *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "idem.store.update_full":
			storeData = &spans[i]
		case "idem.process_response":
			respData = &spans[i]
		}
	}
	if storeData == nil || respData == nil {
		t.Fatal("expected both response and store spans")
	}
	if storeData.Parent.SpanID() != respData.SpanContext.SpanID() {
		t.Error("expected store span to be a child of the response span")
	}
}

func TestOTelTracer_SpanSetError(t *testing.T) {
	tracer, exporter, tp := newTestTracer(t)

	_, span := tracer.StartRequest(context.Background(), "k", "POST", "/x")
	span.SetError(errors.New("test error"))
	span.End()

	tp.ForceFlush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
}

func TestOTelTracer_SpanAddEvent(t *testing.T) {
	tracer, exporter, tp := newTestTracer(t)

	_, span := tracer.StartRequest(context.Background(), "k", "POST", "/x")
	span.AddEvent("flow.replayed", attribute.Int("status_code", 201))
	span.End()

	tp.ForceFlush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Name != "flow.replayed" {
		t.Errorf("expected event name 'flow.replayed', got '%s'", events[0].Name)
	}
}

func TestNoopTracer(t *testing.T) {
	tracer := &NoopTracer{}

	ctx, span := tracer.StartRequest(context.Background(), "k", "POST", "/x")
	span.SetAttributes(attribute.String("key", "value"))
	span.AddEvent("event")
	span.SetError(errors.New("error"))
	span.SetStatus(codes.Error, "error")
	span.End()

	_, storeSpan := tracer.StartStore(ctx, "create")
	storeSpan.End()

	_, respSpan := tracer.StartResponse(ctx, "k", "POST", "/x")
	respSpan.End()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "idem" {
		t.Errorf("expected ServiceName 'idem', got '%s'", cfg.ServiceName)
	}
	if cfg.TracerProvider != nil {
		t.Error("expected TracerProvider to be nil")
	}
}

// ============================================================================
// Provider
// ============================================================================

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), ProviderConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Enabled() {
		t.Error("expected disabled provider")
	}
	if p.TracerProvider() == nil {
		t.Error("expected global tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected no-op shutdown, got %v", err)
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	// the gRPC exporter connects lazily, so no collector is needed to build it
	p, err := NewProvider(context.Background(), ProviderConfig{
		Enabled:           true,
		CollectorEndpoint: "localhost:4317",
		SamplingRatio:     1,
		ServiceName:       "idem-test",
		Insecure:          true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Enabled() {
		t.Error("expected enabled provider")
	}
	_ = p.Shutdown(context.Background())
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.ratio).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
	if got := samplerFor(0.5).Description(); !strings.HasPrefix(got, "ParentBased") {
		t.Errorf("expected parent based sampler, got %s", got)
	}
}
