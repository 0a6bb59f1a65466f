package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the pipeline tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("agentstream")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartIngestSpan starts a span covering one event's validation and
	// handler dispatch. Returns the context with span and the span itself.
	StartIngestSpan(ctx context.Context, sessionID string, sequence uint64) (context.Context, trace.Span)

	// StartHandlerSpan starts a span for a handler invocation.
	// The handler span should be a child of the ingest span.
	StartHandlerSpan(ctx context.Context, handler string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartIngestSpan starts a span for one event's pipeline traversal.
func (m *otelSpanManager) StartIngestSpan(ctx context.Context, sessionID string, sequence uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentstream.ingest",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int64("event.sequence", int64(sequence)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartHandlerSpan starts a span for a handler invocation.
func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handler string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentstream.handler."+handler,
		trace.WithAttributes(
			attribute.String("handler.name", handler),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
