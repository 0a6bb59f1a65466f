package agentstream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/config"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/dlq"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/handler"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/observability"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/stream"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/validate"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the metrics recorder. Defaults to NoopMetrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSpans sets the trace span manager. Defaults to NoopSpanManager.
func WithSpans(s observability.SpanManager) Option {
	return func(p *Pipeline) { p.spans = s }
}

// WithDeadLetters sets the dead letter queue receiving handler failures.
func WithDeadLetters(q dlq.Queue) Option {
	return func(p *Pipeline) { p.deadLetters = q }
}

// WithHandler registers an additional handler alongside the built-ins.
func WithHandler(h handler.Handler) Option {
	return func(p *Pipeline) { p.extra = append(p.extra, h) }
}

// IngestResult reports what happened to one accepted event.
type IngestResult struct {
	// Event is the validated event, after any severity escalation.
	Event *event.AgentStreamEvent

	// Delivered reports whether the event was fanned out to subscribers.
	Delivered bool

	// SessionEnded reports that this event terminated its session.
	SessionEnded bool

	// EndReason describes the termination, if any.
	EndReason string

	// Results holds the per-handler outcomes.
	Results []handler.Result
}

// Pipeline assembles the full path from raw producer events to subscriber
// streams: validation, handler dispatch, wire formatting, and fan-out.
type Pipeline struct {
	settings config.Settings

	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	deadLetters dlq.Queue
	extra       []handler.Handler

	validator *validate.Validator
	registry  *handler.Registry
	formatter *sse.Formatter
	manager   *stream.Manager
	lanes     laneSet

	lifecycle *handler.AgentLifecycleHandler
	tools     *handler.ToolExecutionHandler
	thinking  *handler.ThinkingEventHandler
	errs      *handler.ErrorEventHandler
}

// New creates a pipeline from resolved settings.
func New(settings config.Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		settings: settings,
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.validator = validate.New(validate.Config{
		IdleTTL: settings.Validator.IdleTTL,
	})
	p.formatter = sse.NewFormatter(sse.Config{
		RetryHintMS: settings.Formatter.RetryHintMS,
		CacheSize:   settings.Formatter.CacheSize,
	})
	p.manager = stream.NewManager(stream.Config{
		ReplayWindow:      settings.Stream.ReplayWindow,
		BufferCapacity:    settings.Stream.BufferCapacity,
		HeartbeatInterval: settings.Stream.HeartbeatInterval,
		CoalesceWindow:    settings.Stream.CoalesceWindow,
		StallTimeout:      settings.Stream.StallTimeout,
		OnDrop: func(sessionID, subID string, dropped int) {
			observability.LogSubscriberDrop(p.logger, sessionID, subID, dropped)
			p.metrics.RecordDrop(context.Background(), int64(dropped))
		},
	})

	p.registry = handler.NewRegistry(p.validator, handler.Config{
		HandlerTimeout: settings.Handlers.Timeout,
		DeadLetters:    p.deadLetters,
		OnError: func(evt *event.AgentStreamEvent, name string, err error) {
			observability.LogHandlerError(p.logger, name, evt.SessionID, err)
			p.metrics.RecordHandler(context.Background(), name, 0, err)
		},
		OnSuccess: func(evt *event.AgentStreamEvent, name string, duration time.Duration) {
			p.metrics.RecordHandler(context.Background(), name, duration, nil)
		},
	})

	p.lifecycle = handler.NewAgentLifecycleHandler()
	p.tools = handler.NewToolExecutionHandler()
	p.thinking = handler.NewThinkingEventHandler(handler.ThinkingConfig{
		CoalesceWindow: settings.Stream.CoalesceWindow,
	})
	p.errs = handler.NewErrorEventHandler(handler.ErrorConfig{
		EscalateAfter: settings.Handlers.EscalateAfter,
		AbortAfter:    settings.Handlers.AbortAfter,
	})

	p.registry.Register(p.tools)
	p.registry.Register(p.thinking)
	p.registry.Register(p.errs)
	p.registry.Register(p.lifecycle)
	for _, h := range p.extra {
		p.registry.Register(h)
	}

	return p
}

// Ingest validates one raw event, runs its handlers, and fans the result out
// to subscribers. A rejected event returns the validation error; handler
// failures do not. Events for the same session are serialized end to end,
// so concurrent producers can never publish out of sequence order.
func (p *Pipeline) Ingest(ctx context.Context, raw event.RawEvent) (*IngestResult, error) {
	lane := p.lanes.lock(raw.SessionID)
	defer p.lanes.unlock(raw.SessionID, lane)
	return p.ingestLocked(ctx, raw)
}

// ingestLocked runs the accept -> dispatch -> publish path for one event.
// Caller holds the session's lane.
func (p *Pipeline) ingestLocked(ctx context.Context, raw event.RawEvent) (*IngestResult, error) {
	ctx, span := p.spans.StartIngestSpan(ctx, raw.SessionID, raw.Sequence)

	disp, results, err := p.registry.ProcessEvent(ctx, raw)
	if err != nil {
		p.metrics.RecordIngest(ctx, raw.Kind, false)
		observability.LogEventRejected(p.logger, raw.SessionID, err)
		p.spans.EndSpanWithError(span, err)
		return nil, err
	}
	p.metrics.RecordIngest(ctx, raw.Kind, true)
	observability.LogEventAccepted(p.logger, raw.SessionID, raw.Sequence, raw.Kind)

	res, pubErr := p.deliver(ctx, disp, results)
	p.spans.EndSpanWithError(span, pubErr)
	return res, pubErr
}

// IngestBatch processes raw events for potentially different sessions.
// Events sharing a session keep their relative order; distinct sessions
// proceed in parallel, bounded by the batch worker setting. One result per
// input, in input order; rejected events carry their error and do not stop
// the rest.
func (p *Pipeline) IngestBatch(ctx context.Context, raws []event.RawEvent) ([]*IngestResult, []error) {
	out := make([]*IngestResult, len(raws))
	errs := make([]error, len(raws))

	// Group by session, preserving each session's relative order.
	groups := make(map[string][]int)
	for i, raw := range raws {
		groups[raw.SessionID] = append(groups[raw.SessionID], i)
	}

	// Deterministic scheduling keeps tests and logs stable.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	workers := p.settings.Handlers.BatchWorkers
	if workers <= 0 {
		workers = config.DefaultSettings.Handlers.BatchWorkers
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		indexes := groups[key]
		g.Go(func() error {
			// The lane spans the whole group so a concurrent Ingest for
			// the same session cannot interleave its publish.
			lane := p.lanes.lock(key)
			defer p.lanes.unlock(key, lane)
			for _, i := range indexes {
				out[i], errs[i] = p.ingestLocked(ctx, raws[i])
			}
			return nil
		})
	}
	// Workers never return errors; rejections live in the results.
	_ = g.Wait()

	return out, errs
}

// Subscribe attaches a consumer to a session's stream. See
// stream.Manager.Subscribe for lastEventID semantics.
func (p *Pipeline) Subscribe(sessionID, lastEventID string, opts sse.TransformOptions) (*stream.Subscription, error) {
	return p.manager.Subscribe(sessionID, lastEventID, opts)
}

// Unsubscribe detaches a subscription.
func (p *Pipeline) Unsubscribe(sub *stream.Subscription) {
	p.manager.Unsubscribe(sub)
}

// Session returns the lifecycle snapshot for a session.
func (p *Pipeline) Session(sessionID string) (handler.SessionInfo, bool) {
	return p.lifecycle.Session(sessionID)
}

// ActiveSessions lists sessions that have not ended.
func (p *Pipeline) ActiveSessions() []string {
	return p.lifecycle.ActiveSessions()
}

// InFlightTools answers "what is running now" for a session.
func (p *Pipeline) InFlightTools(sessionID string) []event.ToolExecution {
	return p.tools.InFlight(sessionID)
}

// Registry exposes the handler registry for stats and custom registration
// at setup time.
func (p *Pipeline) Registry() *handler.Registry { return p.registry }

// Manager exposes the connection manager for stats.
func (p *Pipeline) Manager() *stream.Manager { return p.manager }

// Formatter exposes the wire formatter for cache stats.
func (p *Pipeline) Formatter() *sse.Formatter { return p.formatter }

// Shutdown stops background work and closes every subscription. In-flight
// Ingest calls complete; new ones fail.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.manager.Close()
	p.validator.Close()
	if p.deadLetters != nil {
		return p.deadLetters.Close()
	}
	return nil
}

// deliver formats and publishes a dispatched event, then applies session
// termination.
func (p *Pipeline) deliver(ctx context.Context, disp handler.Disposition, results []handler.Result) (*IngestResult, error) {
	res := &IngestResult{
		Event:        disp.Event,
		SessionEnded: disp.EndSession,
		EndReason:    disp.EndReason,
		Results:      results,
	}

	if disp.Deliver {
		rec, err := p.formatter.Format(disp.Event, sse.DefaultTransformOptions)
		if err != nil {
			return res, err
		}

		meta := stream.PublishMeta{
			Severity:    disp.Event.Severity,
			Coalescible: disp.Coalescible,
		}
		if _, ok := disp.Event.Tool(); ok {
			redacted, err := p.formatter.Format(disp.Event, sse.TransformOptions{Redact: true})
			if err != nil {
				return res, err
			}
			meta.Redacted = &redacted
		}

		if err := p.manager.Publish(disp.Event.SessionID, disp.Event.Sequence, rec, meta); err != nil {
			return res, err
		}
		res.Delivered = true
		p.metrics.RecordDelivery(ctx, 1)
	}

	if disp.EndSession {
		p.endSession(disp.Event.SessionID, disp.EndReason)
	}
	return res, nil
}

// endSession flushes the terminal marker and releases per-session handler
// state. The validator keeps its ended marker so stale producers are still
// rejected until the idle sweep retires the session.
func (p *Pipeline) endSession(sessionID, reason string) {
	p.manager.EndSession(sessionID, reason)

	var count uint64
	if info, ok := p.lifecycle.Session(sessionID); ok {
		count = info.EventCount
	}
	observability.LogSessionEnded(p.logger, sessionID, reason, count)

	p.tools.Release(sessionID)
	p.thinking.Release(sessionID)
	p.errs.Release(sessionID)
}

// laneSet hands out one mutex per session so ingestion is serialized from
// sequence acceptance through publish. Lanes are reference counted and
// removed once the last holder releases, so idle sessions cost nothing.
type laneSet struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func (s *laneSet) lock(sessionID string) *lane {
	s.mu.Lock()
	if s.lanes == nil {
		s.lanes = make(map[string]*lane)
	}
	l := s.lanes[sessionID]
	if l == nil {
		l = &lane{}
		s.lanes[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *laneSet) unlock(sessionID string, l *lane) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.lanes, sessionID)
	}
	s.mu.Unlock()
}
