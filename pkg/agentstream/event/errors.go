package event

import "fmt"

// ValidationError reports a malformed event rejected at ingress.
// The event never enters the pipeline.
type ValidationError struct {
	SessionID string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid event: %s", e.Message)
}

// OutOfOrderError reports a sequence that is not strictly increasing for its
// session. The producer must resend with a corrected sequence; the pipeline
// never reorders.
type OutOfOrderError struct {
	SessionID    string
	Sequence     uint64
	LastAccepted uint64
}

// Error implements the error interface.
func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("session %s: sequence %d not after last accepted %d",
		e.SessionID, e.Sequence, e.LastAccepted)
}

// SessionEndedError reports an event submitted for a session that has
// already been terminated by a lifecycle event.
type SessionEndedError struct {
	SessionID string
}

// Error implements the error interface.
func (e *SessionEndedError) Error() string {
	return fmt.Sprintf("session %s has ended", e.SessionID)
}

// HandlerError wraps a failure from a side-effect handler. It is captured
// per handler and never stops sibling handlers or stream delivery.
type HandlerError struct {
	Handler string
	Kind    Kind
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s (%s): %v", e.Handler, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
