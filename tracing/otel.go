// Package tracing provides OpenTelemetry tracing integration for the idempotency engine.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer defines the interface for distributed tracing.
type Tracer interface {
	// StartRequest starts a span for the request path of an idempotent flow.
	StartRequest(ctx context.Context, key, method, url string) (context.Context, Span)

	// StartResponse starts a span for the response path of an idempotent flow.
	StartResponse(ctx context.Context, key, method, url string) (context.Context, Span)

	// StartStore starts a child span for a single store operation.
	StartStore(ctx context.Context, op string) (context.Context, Span)
}

// Span represents an active tracing span.
type Span interface {
	// End completes the span.
	End()

	// SetError marks the span as having an error.
	SetError(err error)

	// SetStatus sets the span status.
	SetStatus(code codes.Code, description string)

	// SetAttributes adds attributes to the span.
	SetAttributes(attrs ...attribute.KeyValue)

	// AddEvent adds an event to the span.
	AddEvent(name string, attrs ...attribute.KeyValue)
}

// OTelTracer implements Tracer using OpenTelemetry.
type OTelTracer struct {
	tracer trace.Tracer
}

// Config holds configuration for OTelTracer.
type Config struct {
	// ServiceName is the name of the service for tracing.
	ServiceName string
	// TracerProvider is the OpenTelemetry tracer provider. If nil, the global provider is used.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "idem",
		TracerProvider: nil,
	}
}

// NewOTelTracer creates a new OTelTracer with the given configuration.
func NewOTelTracer(cfg Config) *OTelTracer {
	var tp trace.TracerProvider
	if cfg.TracerProvider != nil {
		tp = cfg.TracerProvider
	} else {
		tp = otel.GetTracerProvider()
	}

	return &OTelTracer{
		tracer: tp.Tracer(cfg.ServiceName),
	}
}

// StartRequest starts a span for the request path of an idempotent flow.
func (t *OTelTracer) StartRequest(ctx context.Context, key, method, url string) (context.Context, Span) {
	return t.startFlow(ctx, "idem.process_request", key, method, url)
}

// StartResponse starts a span for the response path of an idempotent flow.
func (t *OTelTracer) StartResponse(ctx context.Context, key, method, url string) (context.Context, Span) {
	return t.startFlow(ctx, "idem.process_response", key, method, url)
}

func (t *OTelTracer) startFlow(ctx context.Context, name, key, method, url string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("idem.key", key),
			attribute.String("http.request.method", method),
			attribute.String("url.path", url),
		),
	)
	return ctx, &otelSpan{span: span}
}

// StartStore starts a child span for a single store operation.
func (t *OTelTracer) StartStore(ctx context.Context, op string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "idem.store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("idem.store.op", op),
		),
	)
	return ctx, &otelSpan{span: span}
}

// otelSpan wraps an OpenTelemetry span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopTracer is a no-op implementation of Tracer for testing or when tracing is disabled.
type NoopTracer struct{}

var _ Tracer = (*NoopTracer)(nil)

func (n *NoopTracer) StartRequest(ctx context.Context, key, method, url string) (context.Context, Span) {
	return ctx, &noopSpan{}
}

func (n *NoopTracer) StartResponse(ctx context.Context, key, method, url string) (context.Context, Span) {
	return ctx, &noopSpan{}
}

func (n *NoopTracer) StartStore(ctx context.Context, op string) (context.Context, Span) {
	return ctx, &noopSpan{}
}

// noopSpan is a no-op span implementation.
type noopSpan struct{}

func (s *noopSpan) End()                                              {}
func (s *noopSpan) SetError(err error)                                {}
func (s *noopSpan) SetStatus(code codes.Code, description string)     {}
func (s *noopSpan) SetAttributes(attrs ...attribute.KeyValue)         {}
func (s *noopSpan) AddEvent(name string, attrs ...attribute.KeyValue) {}
