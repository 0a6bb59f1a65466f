package handler

import (
	"context"
	"sync"
	"time"

	agerrors "github.com/sentinel-finance/agentstream/pkg/agentstream/errors"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// SessionState is the lifecycle state of an agent session.
type SessionState string

const (
	SessionStarted   SessionState = "started"
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
)

// Ended reports whether the state is terminal.
func (s SessionState) Ended() bool {
	return s == SessionCompleted || s == SessionAborted
}

// SessionInfo is a snapshot of one session's lifecycle.
type SessionInfo struct {
	SessionID   string
	State       SessionState
	StartedAt   time.Time
	LastEventAt time.Time
	EventCount  uint64
	EndReason   string
}

// AgentLifecycleHandler tracks session state transitions and is the sole
// authority for deciding a session has ended. It observes every kind so
// any event refreshes session activity.
type AgentLifecycleHandler struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
}

// NewAgentLifecycleHandler creates the lifecycle handler.
func NewAgentLifecycleHandler() *AgentLifecycleHandler {
	return &AgentLifecycleHandler{sessions: make(map[string]*SessionInfo)}
}

// Name implements Handler.
func (h *AgentLifecycleHandler) Name() string { return "AgentLifecycleHandler" }

// Kinds implements Handler. Empty: the handler observes all kinds.
func (h *AgentLifecycleHandler) Kinds() []event.Kind { return nil }

// Handle implements Handler.
func (h *AgentLifecycleHandler) Handle(_ context.Context, evt *event.AgentStreamEvent) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.sessions[evt.SessionID]
	if !ok {
		info = &SessionInfo{
			SessionID: evt.SessionID,
			State:     SessionStarted,
			StartedAt: evt.Timestamp,
		}
		h.sessions[evt.SessionID] = info
	}

	if info.State.Ended() {
		// The validator rejects post-termination events; seeing one here
		// means state tracking and the validator disagree.
		return Outcome{}, agerrors.Permanent(
			&event.SessionEndedError{SessionID: evt.SessionID}, "lifecycle")
	}

	info.LastEventAt = evt.Timestamp
	info.EventCount++

	switch evt.Kind {
	case event.KindSessionStart:
		info.State = SessionActive
		return Outcome{}, nil

	case event.KindSessionComplete:
		info.State = SessionCompleted
		info.EndReason = "completed"
		return Outcome{EndSession: true, EndReason: info.EndReason}, nil

	case event.KindSessionAbort:
		info.State = SessionAborted
		info.EndReason = "aborted"
		if p, ok := evt.Payload.(*event.SessionPayload); ok && p != nil && p.Reason != "" {
			info.EndReason = p.Reason
		}
		return Outcome{EndSession: true, EndReason: info.EndReason}, nil

	default:
		// Any activity promotes a started session to active.
		if info.State == SessionStarted {
			info.State = SessionActive
		}
		return Outcome{}, nil
	}
}

// Session returns a snapshot of one session's lifecycle info.
func (h *AgentLifecycleHandler) Session(sessionID string) (SessionInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	info, ok := h.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// ActiveSessions returns the IDs of sessions that have not ended.
func (h *AgentLifecycleHandler) ActiveSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, info := range h.sessions {
		if !info.State.Ended() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Release drops tracking state for a session.
func (h *AgentLifecycleHandler) Release(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}
