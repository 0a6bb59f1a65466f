package event

import (
	"fmt"
	"time"
)

// ToolStatus tracks a tool invocation through its state machine:
// pending -> running -> {succeeded | failed}.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
)

// Valid reports whether s is a member of the status enumeration.
func (s ToolStatus) Valid() bool {
	switch s {
	case ToolPending, ToolRunning, ToolSucceeded, ToolFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the tool invocation.
func (s ToolStatus) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed
}

// CanTransitionTo reports whether moving from s to next is a legal step.
// Terminal states accept no further transitions.
func (s ToolStatus) CanTransitionTo(next ToolStatus) bool {
	switch s {
	case ToolPending:
		return next == ToolRunning || next.Terminal()
	case ToolRunning:
		return next.Terminal()
	}
	return false
}

// String returns the wire name of the status.
func (s ToolStatus) String() string {
	return string(s)
}

// ToolExecution is the payload for KindTool events.
type ToolExecution struct {
	ToolName  string     `json:"tool_name"`
	Status    ToolStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`

	// FinishedAt is set iff Status is terminal.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Arguments are the raw tool arguments. Marked sensitive: stripped
	// when a subscription requests redacted payloads.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Result is set on success. Stripped under redaction.
	Result any `json:"result,omitempty"`

	// Error is set iff Status is ToolFailed.
	Error string `json:"error,omitempty"`
}

// Validate checks the ToolExecution invariants.
func (t *ToolExecution) Validate() error {
	if t.ToolName == "" {
		return &ValidationError{Field: "payload.tool_name", Message: "tool name is required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "payload.status", Message: fmt.Sprintf("unknown tool status %q", t.Status)}
	}
	if t.Status.Terminal() && t.FinishedAt == nil {
		return &ValidationError{Field: "payload.finished_at", Message: "terminal status requires finished_at"}
	}
	if !t.Status.Terminal() && t.FinishedAt != nil {
		return &ValidationError{Field: "payload.finished_at", Message: "finished_at set on non-terminal status"}
	}
	if t.Status == ToolFailed && t.Error == "" {
		return &ValidationError{Field: "payload.error", Message: "failed status requires error"}
	}
	if t.Status != ToolFailed && t.Error != "" {
		return &ValidationError{Field: "payload.error", Message: "error set on non-failed status"}
	}
	return nil
}

// Redacted returns a copy with sensitive fields removed.
func (t *ToolExecution) Redacted() *ToolExecution {
	clone := *t
	clone.Arguments = nil
	clone.Result = nil
	return &clone
}

// TextPayload is the payload for thinking, message, and error events.
type TextPayload struct {
	Text string `json:"text"`

	// Code optionally classifies error events (e.g. "timeout").
	Code string `json:"code,omitempty"`
}

// SessionPayload is the payload for session lifecycle events.
type SessionPayload struct {
	// Reason is set on abort events.
	Reason string `json:"reason,omitempty"`
}
