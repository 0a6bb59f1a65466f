package handler

import (
	"context"
	"strings"
	"sync"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// ErrorConfig tunes error handling policy.
type ErrorConfig struct {
	// EscalateAfter raises an error event to critical once a session has
	// reported this many errors. Zero disables escalation.
	// Default: 3.
	EscalateAfter int

	// AbortAfter terminates a session once it has reported this many
	// errors. Zero disables error-triggered termination.
	// Default: 10.
	AbortAfter int
}

// DefaultErrorConfig provides reasonable defaults.
var DefaultErrorConfig = ErrorConfig{
	EscalateAfter: 3,
	AbortAfter:    10,
}

// ErrorEventHandler categorizes error events, counts failures per session,
// and may escalate severity or terminate a session that keeps failing. It
// is the only handler whose veto on delivery is honored.
type ErrorEventHandler struct {
	cfg ErrorConfig

	mu       sync.Mutex
	counts   map[string]int
	lastText map[string]string
}

// NewErrorEventHandler creates the error handler.
func NewErrorEventHandler(cfg ErrorConfig) *ErrorEventHandler {
	if cfg.EscalateAfter == 0 {
		cfg.EscalateAfter = DefaultErrorConfig.EscalateAfter
	}
	if cfg.AbortAfter == 0 {
		cfg.AbortAfter = DefaultErrorConfig.AbortAfter
	}
	return &ErrorEventHandler{
		cfg:      cfg,
		counts:   make(map[string]int),
		lastText: make(map[string]string),
	}
}

// Name implements Handler.
func (h *ErrorEventHandler) Name() string { return "ErrorEventHandler" }

// Kinds implements Handler.
func (h *ErrorEventHandler) Kinds() []event.Kind { return []event.Kind{event.KindError} }

// Handle implements Handler.
func (h *ErrorEventHandler) Handle(_ context.Context, evt *event.AgentStreamEvent) (Outcome, error) {
	if text, ok := evt.Text(); ok && text.Code == "" {
		// Annotate the payload in place: the event has not been formatted
		// yet, and categorization is part of its canonical form.
		text.Code = categorizeMessage(text.Text)
	}

	h.mu.Lock()
	h.counts[evt.SessionID]++
	count := h.counts[evt.SessionID]
	var duplicate bool
	if text, ok := evt.Text(); ok {
		duplicate = text.Text != "" && text.Text == h.lastText[evt.SessionID]
		h.lastText[evt.SessionID] = text.Text
	}
	h.mu.Unlock()

	var out Outcome
	if duplicate {
		// A producer stuck re-reporting the same failure adds noise, not
		// information. Still counted toward the thresholds below.
		out.VetoDelivery = true
	}
	if h.cfg.EscalateAfter > 0 && count >= h.cfg.EscalateAfter {
		out.EscalateSeverity = event.SeverityCritical
	}
	if h.cfg.AbortAfter > 0 && count >= h.cfg.AbortAfter {
		out.EndSession = true
		out.EndReason = "error threshold exceeded"
	}
	return out, nil
}

// ErrorCount returns how many error events a session has reported.
func (h *ErrorEventHandler) ErrorCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[sessionID]
}

// Release drops error tracking for a terminated session.
func (h *ErrorEventHandler) Release(sessionID string) {
	h.mu.Lock()
	delete(h.counts, sessionID)
	delete(h.lastText, sessionID)
	h.mu.Unlock()
}

// categorizeMessage derives a coarse error code from the message text.
func categorizeMessage(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return "timeout"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return "rate_limit"
	case strings.Contains(lower, "permission"), strings.Contains(lower, "denied"),
		strings.Contains(lower, "unauthorized"):
		return "permission"
	case strings.Contains(lower, "not found"):
		return "not_found"
	case strings.Contains(lower, "connection"), strings.Contains(lower, "network"):
		return "network"
	default:
		return "internal"
	}
}
