// Package event defines the vocabulary of the agent event stream: event
// kinds, severities, payload shapes, and the error taxonomy shared by the
// rest of the pipeline.
//
// Events are immutable once created - any modification creates a new event.
// Ordering within a session is established by Sequence, never by Timestamp.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an event describes. The set is closed: the validator
// rejects kinds outside this enumeration, and the wire name of each kind is
// part of the streaming contract (renaming one is a breaking change).
type Kind string

const (
	// KindSessionStart marks the beginning of an agent session.
	KindSessionStart Kind = "session.start"

	// KindSessionComplete marks normal session completion.
	KindSessionComplete Kind = "session.complete"

	// KindSessionAbort marks abnormal session termination.
	KindSessionAbort Kind = "session.abort"

	// KindThinking carries incremental reasoning output. Bursts of thinking
	// events may be coalesced before delivery.
	KindThinking Kind = "thinking"

	// KindTool carries a ToolExecution payload describing one tool
	// invocation's progress.
	KindTool Kind = "tool"

	// KindMessage carries informational output addressed to the user.
	KindMessage Kind = "message"

	// KindError reports a failure inside the agent run.
	KindError Kind = "error"
)

// Kinds returns the closed set of valid event kinds.
func Kinds() []Kind {
	return []Kind{
		KindSessionStart,
		KindSessionComplete,
		KindSessionAbort,
		KindThinking,
		KindTool,
		KindMessage,
		KindError,
	}
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindSessionStart, KindSessionComplete, KindSessionAbort,
		KindThinking, KindTool, KindMessage, KindError:
		return true
	}
	return false
}

// Lifecycle reports whether k is one of the session lifecycle kinds.
func (k Kind) Lifecycle() bool {
	switch k {
	case KindSessionStart, KindSessionComplete, KindSessionAbort:
		return true
	}
	return false
}

// Terminal reports whether k ends a session.
func (k Kind) Terminal() bool {
	return k == KindSessionComplete || k == KindSessionAbort
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// Severity grades an event independently of its kind.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for floor comparisons.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Valid reports whether s is a member of the severity enumeration.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above the given floor.
// Unknown severities compare below every floor.
func (s Severity) AtLeast(floor Severity) bool {
	return severityRank[s] >= severityRank[floor]
}

// String returns the wire name of the severity.
func (s Severity) String() string {
	return string(s)
}

// RawEvent is an event as submitted by a producer, before validation.
// Payload is decoded into the kind-specific type by the validator.
type RawEvent struct {
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AgentStreamEvent is the canonical validated domain event.
//
// For a fixed SessionID, Sequence values accepted by the pipeline are
// strictly increasing. Timestamp is producer wall-clock time, used for
// display and staleness checks only.
type AgentStreamEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is the kind-specific payload: *ToolExecution for KindTool,
	// *TextPayload for thinking/message/error kinds, *SessionPayload for
	// lifecycle kinds. May be nil for lifecycle events.
	Payload any `json:"payload,omitempty"`
}

// Tool returns the tool execution payload, if this is a tool event.
func (e *AgentStreamEvent) Tool() (*ToolExecution, bool) {
	t, ok := e.Payload.(*ToolExecution)
	return t, ok
}

// Text returns the text payload, if present.
func (e *AgentStreamEvent) Text() (*TextPayload, bool) {
	t, ok := e.Payload.(*TextPayload)
	return t, ok
}

// Option configures event creation.
type Option func(*AgentStreamEvent)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *AgentStreamEvent) {
		e.ID = id
	}
}

// WithSeverity sets the event severity (default: info).
func WithSeverity(s Severity) Option {
	return func(e *AgentStreamEvent) {
		e.Severity = s
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *AgentStreamEvent) {
		e.Timestamp = t
	}
}

// WithPayload sets the kind-specific payload.
func WithPayload(p any) Option {
	return func(e *AgentStreamEvent) {
		e.Payload = p
	}
}

// New creates a validated-shape event for the given session, sequence, and
// kind. Producers normally submit RawEvents instead; New exists for
// in-process producers and tests.
func New(sessionID string, seq uint64, kind Kind, opts ...Option) *AgentStreamEvent {
	e := &AgentStreamEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sequence:  seq,
		Kind:      kind,
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Raw converts the event back to its producer-submitted form.
// Used by ingest paths that re-validate in-process events.
func (e *AgentStreamEvent) Raw() RawEvent {
	var payload json.RawMessage
	if e.Payload != nil {
		// Best effort - the payload types all marshal cleanly.
		payload, _ = json.Marshal(e.Payload)
	}
	return RawEvent{
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Timestamp: e.Timestamp,
		Payload:   payload,
	}
}
