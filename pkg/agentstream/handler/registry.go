// Package handler dispatches validated events to side-effect handlers and
// decides event disposition: whether the event is delivered, at what
// severity, and whether it ends its session.
//
// Handler failures are isolated per handler: one handler erroring never
// stops its siblings, the batch, or delivery of the event to subscribers.
// Only ErrorEventHandler may veto delivery.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/dlq"
	agerrors "github.com/sentinel-finance/agentstream/pkg/agentstream/errors"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/validate"
)

// Outcome is a handler's influence on event disposition. Zero value means
// "no opinion": deliver the event unchanged.
type Outcome struct {
	// VetoDelivery stops the event from reaching subscribers. Honored
	// only when returned by ErrorEventHandler; other handlers cannot
	// veto.
	VetoDelivery bool

	// EscalateSeverity raises the delivered severity. Empty leaves the
	// event's severity unchanged; escalation never lowers it.
	EscalateSeverity event.Severity

	// EndSession signals that the session has ended. Honored only when
	// returned by the lifecycle or error handlers.
	EndSession bool

	// EndReason describes why the session ended.
	EndReason string

	// Coalescible marks the event as eligible for delivery-side
	// coalescing (rapid thinking bursts).
	Coalescible bool
}

// Handler processes events of the kinds it declares.
type Handler interface {
	// Name identifies the handler in results, logs, and metrics.
	Name() string

	// Kinds returns the event kinds this handler processes.
	// An empty slice subscribes the handler to all kinds.
	Kinds() []event.Kind

	// Handle derives side effects from the event. The returned Outcome
	// influences disposition; the error, if any, is captured per handler
	// and never propagates to siblings.
	Handle(ctx context.Context, evt *event.AgentStreamEvent) (Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	EventKinds  []event.Kind
	Fn          func(ctx context.Context, evt *event.AgentStreamEvent) (Outcome, error)
}

// Name implements Handler.
func (f HandlerFunc) Name() string { return f.HandlerName }

// Kinds implements Handler.
func (f HandlerFunc) Kinds() []event.Kind { return f.EventKinds }

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *event.AgentStreamEvent) (Outcome, error) {
	return f.Fn(ctx, evt)
}

// Result is one handler's outcome for one event.
type Result struct {
	Handler  string
	EventID  string
	Err      error // nil on success
	Outcome  Outcome
	Duration time.Duration
}

// OK reports whether the handler succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Disposition is the registry's aggregate decision for one event.
type Disposition struct {
	// Event is the validated event, with severity escalation applied.
	Event *event.AgentStreamEvent

	// Deliver reports whether the event should reach subscribers.
	Deliver bool

	// Coalescible marks the event eligible for delivery-side coalescing.
	Coalescible bool

	// EndSession reports that this event terminated its session.
	EndSession bool

	// EndReason describes the termination.
	EndReason string
}

// Config configures the registry.
type Config struct {
	// Retry applies to transient handler failures. Permanent failures
	// are surfaced immediately.
	Retry agerrors.RetryConfig

	// HandlerTimeout bounds a single handler invocation.
	// Default: 5 seconds. Negative disables the timeout.
	HandlerTimeout time.Duration

	// DeadLetters, if set, receives events whose handlers failed after
	// retries. Enqueue failures are swallowed: the DLQ is diagnostic and
	// must never affect dispatch.
	DeadLetters dlq.Queue

	// OnError is called when a handler fails after retries (for logging).
	OnError func(evt *event.AgentStreamEvent, handler string, err error)

	// OnSuccess is called after a successful handler run (for metrics).
	OnSuccess func(evt *event.AgentStreamEvent, handler string, duration time.Duration)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Retry:          agerrors.DefaultRetry,
	HandlerTimeout: 5 * time.Second,
}

// Stats summarizes registry activity.
type Stats struct {
	Processed uint64
	Rejected  uint64
	Failures  uint64
	ByHandler map[string]HandlerStats
}

// HandlerStats summarizes one handler's activity.
type HandlerStats struct {
	Invocations uint64
	Failures    uint64
	Total       time.Duration
}

// Registry validates events and dispatches them to registered handlers.
// Registration happens once at setup; dispatch is safe for concurrent use.
type Registry struct {
	cfg       Config
	validator *validate.Validator

	mu        sync.RWMutex
	handlers  map[event.Kind][]Handler
	wildcards []Handler

	statsMu sync.Mutex
	stats   Stats
}

// NewRegistry creates a registry dispatching events accepted by validator.
func NewRegistry(validator *validate.Validator, cfg Config) *Registry {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = DefaultConfig.HandlerTimeout
	}

	return &Registry{
		cfg:       cfg,
		validator: validator,
		handlers:  make(map[event.Kind][]Handler),
		stats:     Stats{ByHandler: make(map[string]HandlerStats)},
	}
}

// Register adds a handler for the kinds it declares. Handlers for a kind
// run in registration order.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := h.Kinds()
	if len(kinds) == 0 {
		r.wildcards = append(r.wildcards, h)
		return
	}
	for _, k := range kinds {
		r.handlers[k] = append(r.handlers[k], h)
	}
}

// ProcessEvent validates one raw event and, if accepted, runs every handler
// registered for its kind. A validation failure short-circuits: the error is
// returned and no handler runs.
func (r *Registry) ProcessEvent(ctx context.Context, raw event.RawEvent) (Disposition, []Result, error) {
	evt, err := r.validator.Validate(raw)
	if err != nil {
		r.statsMu.Lock()
		r.stats.Rejected++
		r.statsMu.Unlock()
		return Disposition{}, nil, err
	}
	disp, results := r.dispatch(ctx, evt)
	return disp, results, nil
}

// dispatch runs all matching handlers and folds their outcomes.
func (r *Registry) dispatch(ctx context.Context, evt *event.AgentStreamEvent) (Disposition, []Result) {
	r.mu.RLock()
	entries := make([]Handler, 0, len(r.handlers[evt.Kind])+len(r.wildcards))
	entries = append(entries, r.handlers[evt.Kind]...)
	entries = append(entries, r.wildcards...)
	r.mu.RUnlock()

	r.statsMu.Lock()
	r.stats.Processed++
	r.statsMu.Unlock()

	disp := Disposition{Event: evt, Deliver: true}
	results := make([]Result, 0, len(entries))

	for _, h := range entries {
		res := r.execute(ctx, h, evt)
		results = append(results, res)
		r.record(res)

		if res.Err != nil {
			if r.cfg.OnError != nil {
				r.cfg.OnError(evt, h.Name(), res.Err)
			}
			r.deadLetter(ctx, evt, h.Name(), res.Err)
			// Continue processing other handlers even if one fails.
			continue
		}
		if r.cfg.OnSuccess != nil {
			r.cfg.OnSuccess(evt, h.Name(), res.Duration)
		}

		fold(&disp, h, res.Outcome)
	}

	if disp.EndSession {
		r.validator.EndSession(evt.SessionID)
	}
	return disp, results
}

// fold merges one handler outcome into the disposition.
func fold(disp *Disposition, h Handler, out Outcome) {
	if out.VetoDelivery {
		// Veto is reserved for the error handler.
		if _, ok := h.(*ErrorEventHandler); ok {
			disp.Deliver = false
		}
	}
	if out.EscalateSeverity != "" && out.EscalateSeverity.AtLeast(disp.Event.Severity) &&
		out.EscalateSeverity != disp.Event.Severity {
		escalated := *disp.Event
		escalated.Severity = out.EscalateSeverity
		disp.Event = &escalated
	}
	if out.EndSession {
		switch h.(type) {
		case *AgentLifecycleHandler, *ErrorEventHandler:
			disp.EndSession = true
			if disp.EndReason == "" {
				disp.EndReason = out.EndReason
			}
		}
	}
	if out.Coalescible {
		disp.Coalescible = true
	}
}

// execute runs a single handler with timeout, retry, and panic recovery.
func (r *Registry) execute(ctx context.Context, h Handler, evt *event.AgentStreamEvent) Result {
	start := time.Now()

	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	result := agerrors.WithRetryContext(ctx, r.cfg.Retry, func(ctx context.Context) (out Outcome, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = agerrors.Permanent(fmt.Errorf("handler panic: %v", rec), h.Name())
			}
		}()
		return h.Handle(ctx, evt)
	})

	res := Result{
		Handler:  h.Name(),
		EventID:  evt.ID,
		Outcome:  result.Value,
		Duration: time.Since(start),
	}
	if result.Err != nil {
		res.Err = &event.HandlerError{Handler: h.Name(), Kind: evt.Kind, Err: result.Err}
	}
	return res
}

// deadLetter files a handler failure for later inspection and replay.
func (r *Registry) deadLetter(ctx context.Context, evt *event.AgentStreamEvent, handler string, failure error) {
	if r.cfg.DeadLetters == nil {
		return
	}

	payload, _ := json.Marshal(evt.Payload)
	_ = r.cfg.DeadLetters.Enqueue(ctx, &dlq.FailedEvent{
		EventID:      evt.ID,
		SessionID:    evt.SessionID,
		Sequence:     evt.Sequence,
		Kind:         evt.Kind,
		Handler:      handler,
		ErrorMessage: failure.Error(),
		Category:     agerrors.Categorize(failure),
		Payload:      payload,
		FailedAt:     time.Now(),
	})
}

// record updates aggregate and per-handler statistics.
func (r *Registry) record(res Result) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	hs := r.stats.ByHandler[res.Handler]
	hs.Invocations++
	hs.Total += res.Duration
	if res.Err != nil {
		hs.Failures++
		r.stats.Failures++
	}
	r.stats.ByHandler[res.Handler] = hs
}

// Stats returns a snapshot of registry activity.
func (r *Registry) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	snapshot := Stats{
		Processed: r.stats.Processed,
		Rejected:  r.stats.Rejected,
		Failures:  r.stats.Failures,
		ByHandler: make(map[string]HandlerStats, len(r.stats.ByHandler)),
	}
	for name, hs := range r.stats.ByHandler {
		snapshot.ByHandler[name] = hs
	}
	return snapshot
}
