// Package observability provides production-grade observability for the
// streaming pipeline: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with session_id, sequence, and kind fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "sess-1", 42, "tool")
//	enriched.Info("dispatching") // includes session_id, sequence, kind
func EnrichLogger(logger *slog.Logger, sessionID string, sequence uint64, kind string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("session_id", sessionID),
		slog.Uint64("sequence", sequence),
		slog.String("kind", kind),
	)
}

// LogEventAccepted logs an event entering the pipeline.
func LogEventAccepted(logger *slog.Logger, sessionID string, sequence uint64, kind string) {
	if logger == nil {
		return
	}
	logger.Debug("event accepted",
		slog.String("session_id", sessionID),
		slog.Uint64("sequence", sequence),
		slog.String("kind", kind),
	)
}

// LogEventRejected logs an ingress rejection.
func LogEventRejected(logger *slog.Logger, sessionID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a handler failure (non-fatal, dispatch continues).
func LogHandlerError(logger *slog.Logger, handler, sessionID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handler),
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
}

// LogSessionEnded logs session termination.
func LogSessionEnded(logger *slog.Logger, sessionID, reason string, eventCount uint64) {
	if logger == nil {
		return
	}
	logger.Info("session ended",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Uint64("events", eventCount),
	)
}

// LogSubscriberDrop logs records lost to a slow subscriber.
func LogSubscriberDrop(logger *slog.Logger, sessionID, subscriptionID string, dropped int) {
	if logger == nil {
		return
	}
	logger.Warn("subscriber fell behind, dropped records",
		slog.String("session_id", sessionID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("dropped", dropped),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
