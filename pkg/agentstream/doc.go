/*
Package agentstream streams AI agent activity to frontend clients in real
time.

# Overview

agentstream is a Go library for delivering agent session events (thinking
updates, tool executions, messages, errors, lifecycle transitions) to
subscribers over Server-Sent Events. Producers push raw events into a
pipeline that validates them, runs side-effect handlers, formats wire
records, and fans them out to per-session subscriptions.

The pipeline guarantees:
  - Per-session sequence monotonicity: stale or duplicate events are
    rejected at ingress and never reach a subscriber
  - Handler isolation: one handler failing never blocks its siblings or
    delivery of the event
  - Bounded memory: slow subscribers lose their oldest records first and
    see an explicit gap marker instead of stalling the producer

# Basic Usage

Create a pipeline, subscribe, and ingest events:

	pipe := agentstream.New(config.DefaultSettings)
	defer pipe.Shutdown(context.Background())

	sub, err := pipe.Subscribe("sess-1", "", sse.DefaultTransformOptions)
	if err != nil {
	    log.Fatal(err)
	}
	defer pipe.Unsubscribe(sub)

	_, err = pipe.Ingest(ctx, event.RawEvent{
	    SessionID: "sess-1",
	    Sequence:  1,
	    Kind:      "session.start",
	})

	rec, err := sub.Next(ctx)
	os.Stdout.Write(rec.Bytes())

# Reconnect and Replay

A client that reconnects passes the last record ID it saw; the retained
tail of the session's stream is replayed before live records resume:

	sub, err := pipe.Subscribe("sess-1", lastEventID, opts)

History already trimmed from the replay window surfaces as a stream.gap
record rather than being skipped silently.

# Configuration

Settings load from YAML or JSON with working defaults for every field:

	settings, err := config.FromFile("agentstream.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	pipe := agentstream.New(settings)

# Observability

Enable logging, metrics, and tracing:

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pipe := agentstream.New(settings,
	    agentstream.WithLogger(logger),
	    agentstream.WithMetrics(observability.NewMetricsRecorder()),
	    agentstream.WithSpans(observability.NewSpanManager()))

Logs include structured fields: session_id, sequence, kind, handler.
OpenTelemetry metrics: agentstream.events.ingested, agentstream.handler.latency_ms, etc.
OpenTelemetry tracing: agentstream.ingest > agentstream.handler.{name} spans.

# Error Handling

Rejections carry typed errors:

	_, err := pipe.Ingest(ctx, raw)
	var ooo *event.OutOfOrderError
	if errors.As(err, &ooo) {
	    log.Printf("stale event %d, last accepted %d", ooo.Sequence, ooo.LastAccepted)
	}

Handler failures never surface from Ingest; they are logged, counted, and
optionally retained in a dead letter queue (see the dlq subpackage).

# Thread Safety

  - Pipeline IS safe for concurrent use after New returns
  - Events for distinct sessions proceed in parallel; events within one
    session serialize on that session's state
  - Subscription.Next is intended for a single consuming goroutine

# Subpackages

  - event: domain types, payload schemas, typed errors
  - validate: ingress validation and sequence tracking
  - handler: dispatch registry and the built-in handlers
  - sse: wire formatting and encoding
  - stream: subscriptions, replay, backpressure
  - dlq: dead letter retention (memory, SQLite)
  - config: file loading and typed settings
  - observability: logging, metrics, and tracing helpers
  - httpapi: HTTP ingress and SSE egress server
*/
package agentstream
