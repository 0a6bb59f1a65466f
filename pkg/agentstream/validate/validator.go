// Package validate is the acceptance gate for raw producer events. It
// performs structural and semantic checks and enforces per-session sequence
// monotonicity. Rejected events never enter the pipeline.
package validate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// Config configures validator behavior.
type Config struct {
	// IdleTTL evicts sequence tracking for sessions that have produced no
	// events for this long. Zero disables idle eviction.
	// Default: 30 minutes.
	IdleTTL time.Duration

	// SweepInterval is how often idle sessions are scanned for eviction.
	// Default: IdleTTL / 4.
	SweepInterval time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	IdleTTL: 30 * time.Minute,
}

// Validator checks raw events and tracks the per-session sequence
// high-water mark. Validation calls for different sessions proceed in
// parallel; calls for the same session serialize on that session's lock.
type Validator struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionState

	closeOnce sync.Once
	closeCh   chan struct{}
}

// sessionState is the only cross-call mutable state the validator keeps.
// Locked per session so unrelated sessions never contend.
type sessionState struct {
	mu        sync.Mutex
	highWater uint64
	ended     bool
	lastSeen  time.Time
}

// New creates a validator.
func New(cfg Config) *Validator {
	if cfg.IdleTTL < 0 {
		cfg.IdleTTL = 0
	}
	if cfg.SweepInterval <= 0 && cfg.IdleTTL > 0 {
		cfg.SweepInterval = cfg.IdleTTL / 4
	}

	v := &Validator{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
		closeCh:  make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		go v.sweepLoop()
	}
	return v
}

// Validate checks a raw event and returns the canonical domain event, or a
// *event.ValidationError / *event.OutOfOrderError / *event.SessionEndedError
// describing the rejection.
func (v *Validator) Validate(raw event.RawEvent) (*event.AgentStreamEvent, error) {
	if raw.SessionID == "" {
		return nil, &event.ValidationError{Field: "session_id", Message: "session id is required"}
	}
	if raw.Sequence == 0 {
		return nil, &event.ValidationError{SessionID: raw.SessionID, Field: "sequence", Message: "sequence is required and starts at 1"}
	}
	if raw.Kind == "" {
		return nil, &event.ValidationError{SessionID: raw.SessionID, Field: "kind", Message: "kind is required"}
	}

	kind := event.Kind(raw.Kind)
	if !kind.Valid() {
		return nil, &event.ValidationError{SessionID: raw.SessionID, Field: "kind", Message: fmt.Sprintf("unknown kind %q", raw.Kind)}
	}

	// Missing severity defaults to info; an unknown one is a rejection.
	severity := event.SeverityInfo
	if raw.Severity != "" {
		severity = event.Severity(raw.Severity)
		if !severity.Valid() {
			return nil, &event.ValidationError{SessionID: raw.SessionID, Field: "severity", Message: fmt.Sprintf("unknown severity %q", raw.Severity)}
		}
	}

	payload, err := decodePayload(kind, raw.Payload)
	if err != nil {
		if verr, ok := err.(*event.ValidationError); ok {
			verr.SessionID = raw.SessionID
		}
		return nil, err
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// Accept the sequence atomically with the checks: a concurrent call for
	// the same session observes either the old or the new high-water mark,
	// never a partially applied one.
	state := v.session(raw.SessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.ended {
		return nil, &event.SessionEndedError{SessionID: raw.SessionID}
	}
	if raw.Sequence <= state.highWater {
		return nil, &event.OutOfOrderError{
			SessionID:    raw.SessionID,
			Sequence:     raw.Sequence,
			LastAccepted: state.highWater,
		}
	}
	state.highWater = raw.Sequence
	state.lastSeen = time.Now()

	return event.New(raw.SessionID, raw.Sequence, kind,
		event.WithSeverity(severity),
		event.WithTimestamp(ts),
		event.WithPayload(payload),
	), nil
}

// decodePayload decodes and checks the kind-specific payload.
func decodePayload(kind event.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case event.KindTool:
		if len(raw) == 0 {
			return nil, &event.ValidationError{Field: "payload", Message: "tool events require a payload"}
		}
		var tool event.ToolExecution
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, &event.ValidationError{Field: "payload", Message: fmt.Sprintf("malformed tool payload: %v", err)}
		}
		if err := tool.Validate(); err != nil {
			return nil, err
		}
		return &tool, nil

	case event.KindThinking, event.KindMessage, event.KindError:
		if len(raw) == 0 {
			return &event.TextPayload{}, nil
		}
		var text event.TextPayload
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, &event.ValidationError{Field: "payload", Message: fmt.Sprintf("malformed text payload: %v", err)}
		}
		return &text, nil

	default: // lifecycle kinds
		if len(raw) == 0 {
			return nil, nil
		}
		var session event.SessionPayload
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, &event.ValidationError{Field: "payload", Message: fmt.Sprintf("malformed session payload: %v", err)}
		}
		return &session, nil
	}
}

// LastAccepted returns the session's sequence high-water mark.
func (v *Validator) LastAccepted(sessionID string) (uint64, bool) {
	v.mu.RLock()
	state, ok := v.sessions[sessionID]
	v.mu.RUnlock()
	if !ok {
		return 0, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.highWater, true
}

// EndSession marks a session terminated. Subsequent events for it are
// rejected with SessionEndedError. Tracking state is released on the next
// idle sweep, or immediately via ReleaseSession.
func (v *Validator) EndSession(sessionID string) {
	v.mu.RLock()
	state, ok := v.sessions[sessionID]
	v.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	state.ended = true
	state.mu.Unlock()
}

// ReleaseSession drops all tracking state for a session.
func (v *Validator) ReleaseSession(sessionID string) {
	v.mu.Lock()
	delete(v.sessions, sessionID)
	v.mu.Unlock()
}

// Close stops the idle sweep loop.
func (v *Validator) Close() {
	v.closeOnce.Do(func() {
		close(v.closeCh)
	})
}

// session returns the state object for a session, creating it on first use.
func (v *Validator) session(sessionID string) *sessionState {
	v.mu.RLock()
	state, ok := v.sessions[sessionID]
	v.mu.RUnlock()
	if ok {
		return state
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock
	if state, ok := v.sessions[sessionID]; ok {
		return state
	}
	state = &sessionState{lastSeen: time.Now()}
	v.sessions[sessionID] = state
	return state
}

// sweepLoop evicts sessions idle past the TTL.
func (v *Validator) sweepLoop() {
	ticker := time.NewTicker(v.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-v.cfg.IdleTTL)
			v.mu.Lock()
			for id, state := range v.sessions {
				state.mu.Lock()
				idle := state.lastSeen.Before(cutoff)
				state.mu.Unlock()
				if idle {
					delete(v.sessions, id)
				}
			}
			v.mu.Unlock()

		case <-v.closeCh:
			return
		}
	}
}
