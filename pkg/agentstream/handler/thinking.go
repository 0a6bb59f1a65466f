package handler

import (
	"context"
	"sync"
	"time"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// ThinkingConfig tunes burst coalescing policy. The window is a tunable
// policy knob, not a contract: delivery-side squashing is best effort.
type ThinkingConfig struct {
	// CoalesceWindow is the debounce window: a thinking event arriving
	// within it of the previous one is marked coalescible.
	// Default: 150ms. Zero or negative disables coalescing.
	CoalesceWindow time.Duration
}

// DefaultThinkingConfig provides reasonable defaults.
var DefaultThinkingConfig = ThinkingConfig{
	CoalesceWindow: 150 * time.Millisecond,
}

// ThinkingEventHandler watches thinking bursts and marks rapid low-severity
// updates as coalescible so the delivery layer can merge them. Lifecycle,
// tool, and error events never pass through here and are always delivered
// individually.
type ThinkingEventHandler struct {
	cfg ThinkingConfig

	mu       sync.Mutex
	lastSeen map[string]time.Time // session id -> previous thinking arrival
	bursts   map[string]int      // session id -> length of current burst
}

// NewThinkingEventHandler creates the thinking handler.
func NewThinkingEventHandler(cfg ThinkingConfig) *ThinkingEventHandler {
	if cfg.CoalesceWindow == 0 {
		cfg.CoalesceWindow = DefaultThinkingConfig.CoalesceWindow
	}
	return &ThinkingEventHandler{
		cfg:      cfg,
		lastSeen: make(map[string]time.Time),
		bursts:   make(map[string]int),
	}
}

// Name implements Handler.
func (h *ThinkingEventHandler) Name() string { return "ThinkingEventHandler" }

// Kinds implements Handler.
func (h *ThinkingEventHandler) Kinds() []event.Kind { return []event.Kind{event.KindThinking} }

// Handle implements Handler.
func (h *ThinkingEventHandler) Handle(_ context.Context, evt *event.AgentStreamEvent) (Outcome, error) {
	if h.cfg.CoalesceWindow <= 0 {
		return Outcome{}, nil
	}
	// Warning and above is always delivered in full.
	if evt.Severity.AtLeast(event.SeverityWarning) {
		return Outcome{}, nil
	}

	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	last, seen := h.lastSeen[evt.SessionID]
	h.lastSeen[evt.SessionID] = now

	if seen && now.Sub(last) <= h.cfg.CoalesceWindow {
		h.bursts[evt.SessionID]++
		return Outcome{Coalescible: true}, nil
	}
	h.bursts[evt.SessionID] = 0
	return Outcome{}, nil
}

// BurstLength returns the length of the session's current thinking burst.
func (h *ThinkingEventHandler) BurstLength(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bursts[sessionID]
}

// Release drops burst tracking for a terminated session.
func (h *ThinkingEventHandler) Release(sessionID string) {
	h.mu.Lock()
	delete(h.lastSeen, sessionID)
	delete(h.bursts, sessionID)
	h.mu.Unlock()
}
