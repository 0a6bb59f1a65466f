package handler

import (
	"context"
	"fmt"
	"sync"

	agerrors "github.com/sentinel-finance/agentstream/pkg/agentstream/errors"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// ToolExecutionHandler maintains the in-flight tool state per session and
// checks that status transitions follow pending -> running -> terminal.
// Illegal transitions are reported as handler failures, never a crash, and
// never block delivery of the event itself.
type ToolExecutionHandler struct {
	mu       sync.RWMutex
	sessions map[string]*toolState
}

// toolState holds one session's tool tracking. Locked per session so
// unrelated sessions never contend.
type toolState struct {
	mu       sync.Mutex
	inFlight map[string]event.ToolExecution // keyed by tool name
}

// NewToolExecutionHandler creates the tool handler.
func NewToolExecutionHandler() *ToolExecutionHandler {
	return &ToolExecutionHandler{sessions: make(map[string]*toolState)}
}

// Name implements Handler.
func (h *ToolExecutionHandler) Name() string { return "ToolExecutionHandler" }

// Kinds implements Handler.
func (h *ToolExecutionHandler) Kinds() []event.Kind { return []event.Kind{event.KindTool} }

// Handle implements Handler.
func (h *ToolExecutionHandler) Handle(_ context.Context, evt *event.AgentStreamEvent) (Outcome, error) {
	tool, ok := evt.Tool()
	if !ok {
		return Outcome{}, agerrors.Permanent(
			fmt.Errorf("tool event %s has payload %T", evt.ID, evt.Payload), "tool state")
	}

	state := h.session(evt.SessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	current, tracked := state.inFlight[tool.ToolName]
	if tracked && !current.Status.CanTransitionTo(tool.Status) {
		return Outcome{}, agerrors.Permanent(
			fmt.Errorf("tool %q: illegal transition %s -> %s",
				tool.ToolName, current.Status, tool.Status), "tool state")
	}

	if tool.Status.Terminal() {
		delete(state.inFlight, tool.ToolName)
	} else {
		state.inFlight[tool.ToolName] = *tool
	}
	return Outcome{}, nil
}

// InFlight answers "what is running now" for a session.
func (h *ToolExecutionHandler) InFlight(sessionID string) []event.ToolExecution {
	h.mu.RLock()
	state, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	tools := make([]event.ToolExecution, 0, len(state.inFlight))
	for _, t := range state.inFlight {
		tools = append(tools, t)
	}
	return tools
}

// Release drops tool tracking for a terminated session.
func (h *ToolExecutionHandler) Release(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// session returns the tool state for a session, creating it on first use.
func (h *ToolExecutionHandler) session(sessionID string) *toolState {
	h.mu.RLock()
	state, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		return state
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if state, ok := h.sessions[sessionID]; ok {
		return state
	}
	state = &toolState{inFlight: make(map[string]event.ToolExecution)}
	h.sessions[sessionID] = state
	return state
}
