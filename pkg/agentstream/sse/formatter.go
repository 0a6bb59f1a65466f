// Package sse converts validated domain events into Server-Sent-Events
// records and encodes them for the wire. Formatting is a pure function of
// the event and the subscription's transform options; formatted records are
// immutable and shared by reference across subscribers.
package sse

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// SSEEvent is the wire-format record delivered to subscribers.
type SSEEvent struct {
	// ID is the decimal string of the event sequence, used by clients to
	// resume via Last-Event-ID. Empty for stream control records.
	ID string

	// Event is the wire name of the kind. Stable: renaming one is a
	// breaking change for every subscribed client.
	Event string

	// Data is the JSON-serialized, possibly redacted payload envelope.
	Data string

	// Retry is the client reconnect hint in milliseconds. Zero omits the
	// field.
	Retry int
}

// Reserved wire event names for stream control records. They share the
// namespace with event kinds, so kinds must never collide with them.
const (
	// EventGap tells a subscriber that buffered or replay history was
	// dropped and updates may have been missed.
	EventGap = "stream.gap"

	// EventEnd is the terminal marker, sent exactly once before a
	// session's subscriptions are closed.
	EventEnd = "stream.end"
)

// TransformOptions is per-subscription formatting configuration.
type TransformOptions struct {
	// Redact strips fields marked sensitive in the payload schema
	// (raw tool arguments and results) before serialization.
	Redact bool

	// Coalesce allows bursts of thinking events to be merged for this
	// subscriber.
	Coalesce bool

	// SeverityFloor suppresses events below it for this subscriber.
	// Applied by the connection manager, not the formatter.
	SeverityFloor event.Severity
}

// DefaultTransformOptions delivers everything, unredacted.
var DefaultTransformOptions = TransformOptions{
	SeverityFloor: event.SeverityInfo,
}

// envelope is the data-field JSON shape.
type envelope struct {
	Severity  event.Severity `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload,omitempty"`
}

// Config configures a Formatter.
type Config struct {
	// RetryHintMS is the reconnect hint stamped on every record.
	// Default: 3000. Negative disables the hint.
	RetryHintMS int

	// CacheSize is the number of formatted records kept in the LRU cache.
	// Default: 512. Zero or negative disables caching.
	CacheSize int
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	RetryHintMS: 3000,
	CacheSize:   512,
}

// CacheStats reports formatter cache behavior.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Formatter converts domain events to SSE records. Safe for concurrent use;
// the only shared state is the record cache, which is internally locked.
type Formatter struct {
	retryHint int
	cache     *lru.Cache[string, SSEEvent]
	hits      atomic.Int64
	misses    atomic.Int64
}

// NewFormatter creates a formatter.
func NewFormatter(cfg Config) *Formatter {
	if cfg.RetryHintMS == 0 {
		cfg.RetryHintMS = DefaultConfig.RetryHintMS
	}
	if cfg.RetryHintMS < 0 {
		cfg.RetryHintMS = 0
	}

	f := &Formatter{retryHint: cfg.RetryHintMS}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	if cfg.CacheSize > 0 {
		// lru.New only errors on non-positive size which we guard above.
		f.cache, _ = lru.New[string, SSEEvent](cfg.CacheSize)
	}
	return f
}

// Format converts a validated event into its wire record. The result for a
// given (event, redaction) pair is cached; identical publishes to many
// subscribers serialize the payload once.
func (f *Formatter) Format(evt *event.AgentStreamEvent, opts TransformOptions) (SSEEvent, error) {
	key := cacheKey(evt, opts)
	if f.cache != nil {
		if rec, ok := f.cache.Get(key); ok {
			f.hits.Add(1)
			return rec, nil
		}
		f.misses.Add(1)
	}

	payload := evt.Payload
	if opts.Redact {
		if tool, ok := evt.Tool(); ok {
			payload = tool.Redacted()
		}
	}

	data, err := json.Marshal(envelope{
		Severity:  evt.Severity,
		Timestamp: evt.Timestamp,
		Payload:   payload,
	})
	if err != nil {
		return SSEEvent{}, fmt.Errorf("serialize payload for event %s: %w", evt.ID, err)
	}

	rec := SSEEvent{
		ID:    fmt.Sprintf("%d", evt.Sequence),
		Event: evt.Kind.String(),
		Data:  string(data),
		Retry: f.retryHint,
	}
	if f.cache != nil {
		f.cache.Add(key, rec)
	}
	return rec, nil
}

// Gap builds the gap marker record for a subscriber that missed events.
func Gap(dropped int) SSEEvent {
	data, _ := json.Marshal(map[string]int{"dropped": dropped})
	return SSEEvent{Event: EventGap, Data: string(data)}
}

// End builds the terminal marker record for a completed or aborted session.
func End(sessionID, reason string) SSEEvent {
	data, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"reason":     reason,
	})
	return SSEEvent{Event: EventEnd, Data: string(data)}
}

// CacheStats returns cache hit/miss counts and current size.
func (f *Formatter) CacheStats() CacheStats {
	stats := CacheStats{
		Hits:   f.hits.Load(),
		Misses: f.misses.Load(),
	}
	if f.cache != nil {
		stats.Size = f.cache.Len()
	}
	return stats
}

// cacheKey fingerprints the inputs that change the formatted bytes.
func cacheKey(evt *event.AgentStreamEvent, opts TransformOptions) string {
	if opts.Redact {
		return evt.ID + "|r"
	}
	return evt.ID
}
