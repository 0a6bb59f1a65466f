package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records an event entering the pipeline, accepted or not.
	RecordIngest(ctx context.Context, kind string, accepted bool)

	// RecordHandler records one handler invocation with its duration and
	// error status.
	RecordHandler(ctx context.Context, handler string, duration time.Duration, err error)

	// RecordDelivery records records fanned out to a subscriber.
	RecordDelivery(ctx context.Context, count int64)

	// RecordDrop records records lost to slow-subscriber backpressure.
	RecordDrop(ctx context.Context, count int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingested       metric.Int64Counter
	rejected       metric.Int64Counter
	handlerRuns    metric.Int64Counter
	handlerLatency metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	delivered      metric.Int64Counter
	dropped        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentstream")

	ingested, err := meter.Int64Counter("agentstream.events.ingested",
		metric.WithDescription("Number of events accepted into the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("agentstream.events.rejected",
		metric.WithDescription("Number of events rejected at ingress"),
	)
	if err != nil {
		return nil, err
	}

	handlerRuns, err := meter.Int64Counter("agentstream.handler.invocations",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("agentstream.handler.latency_ms",
		metric.WithDescription("Handler invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("agentstream.handler.errors",
		metric.WithDescription("Number of handler failures"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter("agentstream.records.delivered",
		metric.WithDescription("Number of records delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("agentstream.records.dropped",
		metric.WithDescription("Number of records dropped for slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ingested:       ingested,
		rejected:       rejected,
		handlerRuns:    handlerRuns,
		handlerLatency: handlerLatency,
		handlerErrors:  handlerErrors,
		delivered:      delivered,
		dropped:        dropped,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordIngest records an ingress decision.
func (m *otelMetrics) RecordIngest(ctx context.Context, kind string, accepted bool) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
	}
	if accepted {
		m.ingested.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordHandler records one handler invocation.
func (m *otelMetrics) RecordHandler(ctx context.Context, handler string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("handler", handler),
	}

	m.handlerRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDelivery records subscriber deliveries.
func (m *otelMetrics) RecordDelivery(ctx context.Context, count int64) {
	m.delivered.Add(ctx, count)
}

// RecordDrop records backpressure drops.
func (m *otelMetrics) RecordDrop(ctx context.Context, count int64) {
	m.dropped.Add(ctx, count)
}
