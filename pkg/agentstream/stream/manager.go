package stream

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
)

// Config configures a Manager.
type Config struct {
	// ReplayWindow is the number of recent records retained per session for
	// reconnect replay. Default: 256. Zero or negative disables replay.
	ReplayWindow int

	// BufferCapacity is the per-subscription outbound buffer size.
	// Default: 64.
	BufferCapacity int

	// HeartbeatInterval is how often an idle subscription receives a
	// keep-alive. Default: 15s. Zero or negative disables heartbeats.
	HeartbeatInterval time.Duration

	// CoalesceWindow bounds how far apart two coalescible records can be
	// and still be squashed in a subscriber buffer. Default: 150ms.
	CoalesceWindow time.Duration

	// StallTimeout tears down a subscription whose consumer has not read
	// for this long. Default: 1m. Zero or negative disables teardown.
	StallTimeout time.Duration

	// RetainAfterEnd keeps an ended session's replay window available for
	// late subscribers before the janitor removes it. Default: 1m.
	RetainAfterEnd time.Duration

	// OnDrop, if set, is called whenever a slow subscriber loses records.
	OnDrop func(sessionID, subscriptionID string, dropped int)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	ReplayWindow:      256,
	BufferCapacity:    64,
	HeartbeatInterval: 15 * time.Second,
	CoalesceWindow:    150 * time.Millisecond,
	StallTimeout:      time.Minute,
	RetainAfterEnd:    time.Minute,
}

// Stats is a point-in-time snapshot of manager state.
type Stats struct {
	Sessions      int
	Subscriptions int
	Published     uint64
	Dropped       uint64
}

// Manager fans formatted records out to session subscribers. Publish never
// blocks; each subscriber absorbs its own backpressure through its bounded
// buffer. State is locked per session so busy sessions never contend with
// each other.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionStream
	closed   bool

	statsMu   sync.Mutex
	published uint64
	dropped   uint64

	closeCh chan struct{}
	doneCh  chan struct{}
}

// sessionStream is the delivery state for one session.
type sessionStream struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	replay   []replayEntry
	firstSeq uint64 // sequence of the first record ever published
	ended    bool
	endRec   sse.SSEEvent
	endedAt  time.Time
}

// replayEntry is one record in a session's replay window.
type replayEntry struct {
	seq  uint64
	rec  sse.SSEEvent
	meta PublishMeta
}

// NewManager creates a connection manager and starts its background loops.
func NewManager(cfg Config) *Manager {
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = DefaultConfig.ReplayWindow
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultConfig.BufferCapacity
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if cfg.CoalesceWindow == 0 {
		cfg.CoalesceWindow = DefaultConfig.CoalesceWindow
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = DefaultConfig.StallTimeout
	}
	if cfg.RetainAfterEnd <= 0 {
		cfg.RetainAfterEnd = DefaultConfig.RetainAfterEnd
	}

	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*sessionStream),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.maintainLoop()
	return m
}

// Subscribe attaches a new consumer to a session's stream. The retained
// records after lastEventID (the sequence of the last record the client
// saw; empty means everything retained) are replayed first; history already
// trimmed from the replay window surfaces as a gap marker. Subscribing to
// an ended session delivers the retained tail followed by the terminal
// marker. A lastEventID that is not a decimal sequence is rejected with
// ErrBadLastEventID rather than treated as a fresh attach.
func (m *Manager) Subscribe(sessionID, lastEventID string, opts sse.TransformOptions) (*Subscription, error) {
	if opts.SeverityFloor == "" {
		opts.SeverityFloor = sse.DefaultTransformOptions.SeverityFloor
	}

	var after uint64
	if lastEventID != "" {
		v, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadLastEventID, lastEventID)
		}
		after = v
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	m.mu.RUnlock()

	sub := newSubscription(uuid.NewString(), sessionID, opts, m.cfg.BufferCapacity, m.cfg.CoalesceWindow)
	ss := m.session(sessionID)

	ss.mu.Lock()
	defer ss.mu.Unlock()

	m.replayLocked(ss, sub, after)
	if ss.ended {
		sub.push(bufEntry{rec: ss.endRec, terminal: true})
		return sub, nil
	}

	ss.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe detaches and closes a subscription. Idempotent.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.RLock()
	ss := m.sessions[sub.sessionID]
	m.mu.RUnlock()

	if ss != nil {
		ss.mu.Lock()
		delete(ss.subs, sub.id)
		ss.mu.Unlock()
	}
	sub.close()
}

// Publish delivers a formatted record to every subscriber of the session
// whose severity floor admits it, and appends it to the replay window.
// Never blocks on a slow consumer.
func (m *Manager) Publish(sessionID string, seq uint64, rec sse.SSEEvent, meta PublishMeta) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	ss := m.session(sessionID)

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ended {
		// Terminal marker already sent; nothing may follow it.
		return nil
	}

	if ss.firstSeq == 0 {
		ss.firstSeq = seq
	}
	ss.replay = append(ss.replay, replayEntry{seq: seq, rec: rec, meta: meta})
	if m.cfg.ReplayWindow > 0 && len(ss.replay) > m.cfg.ReplayWindow {
		ss.replay = ss.replay[len(ss.replay)-m.cfg.ReplayWindow:]
	} else if m.cfg.ReplayWindow <= 0 {
		ss.replay = nil
	}

	m.statsMu.Lock()
	m.published++
	m.statsMu.Unlock()

	for _, sub := range ss.subs {
		if !meta.Severity.AtLeast(sub.opts.SeverityFloor) {
			continue
		}
		if d := sub.push(bufEntry{rec: recordFor(sub, rec, meta), coalescible: meta.Coalescible}); d > 0 {
			m.statsMu.Lock()
			m.dropped += uint64(d)
			m.statsMu.Unlock()
			if m.cfg.OnDrop != nil {
				m.cfg.OnDrop(sessionID, sub.id, d)
			}
		}
	}
	return nil
}

// EndSession flushes the terminal marker to every subscriber exactly once
// and stops accepting publishes for the session. The session's replay
// window stays available to late subscribers until the janitor retires it.
func (m *Manager) EndSession(sessionID, reason string) {
	m.mu.RLock()
	ss := m.sessions[sessionID]
	m.mu.RUnlock()
	if ss == nil {
		// A session nobody subscribed to still gets an end record so a
		// late subscriber learns it is over.
		ss = m.session(sessionID)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ended {
		return
	}
	ss.ended = true
	ss.endRec = sse.End(sessionID, reason)
	ss.endedAt = time.Now()

	for _, sub := range ss.subs {
		sub.push(bufEntry{rec: ss.endRec, terminal: true})
	}
	// Terminal delivery detaches everyone; the subscriptions close
	// themselves once the marker is read.
	ss.subs = make(map[string]*Subscription)
}

// SessionEnded reports whether the session has received its terminal marker.
func (m *Manager) SessionEnded(sessionID string) bool {
	m.mu.RLock()
	ss := m.sessions[sessionID]
	m.mu.RUnlock()
	if ss == nil {
		return false
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.ended
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stats := Stats{Sessions: len(m.sessions)}
	streams := make([]*sessionStream, 0, len(m.sessions))
	for _, ss := range m.sessions {
		streams = append(streams, ss)
	}
	m.mu.RUnlock()

	for _, ss := range streams {
		ss.mu.Lock()
		stats.Subscriptions += len(ss.subs)
		ss.mu.Unlock()
	}

	m.statsMu.Lock()
	stats.Published = m.published
	stats.Dropped = m.dropped
	m.statsMu.Unlock()
	return stats
}

// Close tears down every subscription and stops the background loops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	streams := make([]*sessionStream, 0, len(m.sessions))
	for _, ss := range m.sessions {
		streams = append(streams, ss)
	}
	m.sessions = make(map[string]*sessionStream)
	m.mu.Unlock()

	close(m.closeCh)
	<-m.doneCh

	for _, ss := range streams {
		ss.mu.Lock()
		for _, sub := range ss.subs {
			sub.close()
		}
		ss.subs = make(map[string]*Subscription)
		ss.mu.Unlock()
	}
}

// replayLocked enqueues the retained records after the given sequence into
// the subscription. Caller holds ss.mu.
func (m *Manager) replayLocked(ss *sessionStream, sub *Subscription, after uint64) {
	if len(ss.replay) > 0 {
		// Records were missed only if they were actually published: count
		// from the client's position or the session's first sequence,
		// whichever is later. Sessions need not start at sequence 1.
		missedFrom := after + 1
		if ss.firstSeq > missedFrom {
			missedFrom = ss.firstSeq
		}
		if ss.replay[0].seq > missedFrom {
			// History between the client's position and the window start is
			// gone; say so instead of replaying silently from the middle.
			sub.push(bufEntry{rec: sse.Gap(int(ss.replay[0].seq - missedFrom))})
		}
	}
	for _, entry := range ss.replay {
		if entry.seq <= after {
			continue
		}
		if !entry.meta.Severity.AtLeast(sub.opts.SeverityFloor) {
			continue
		}
		sub.push(bufEntry{rec: recordFor(sub, entry.rec, entry.meta), coalescible: entry.meta.Coalescible})
	}
}

// recordFor picks the record variant matching the subscriber's redaction
// preference.
func recordFor(sub *Subscription, rec sse.SSEEvent, meta PublishMeta) sse.SSEEvent {
	if sub.opts.Redact && meta.Redacted != nil {
		return *meta.Redacted
	}
	return rec
}

// session returns the delivery state for a session, creating it on first use.
func (m *Manager) session(sessionID string) *sessionStream {
	m.mu.RLock()
	ss, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return ss
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ss, ok := m.sessions[sessionID]; ok {
		return ss
	}
	ss = &sessionStream{subs: make(map[string]*Subscription)}
	m.sessions[sessionID] = ss
	return ss
}

// maintainLoop drives heartbeats, stalled-consumer teardown, and retirement
// of ended sessions.
func (m *Manager) maintainLoop() {
	defer close(m.doneCh)

	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig.HeartbeatInterval
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.maintain(time.Now())
		}
	}
}

func (m *Manager) maintain(now time.Time) {
	m.mu.RLock()
	streams := make(map[string]*sessionStream, len(m.sessions))
	for id, ss := range m.sessions {
		streams[id] = ss
	}
	m.mu.RUnlock()

	var retire []string
	for id, ss := range streams {
		ss.mu.Lock()
		for subID, sub := range ss.subs {
			if m.cfg.StallTimeout > 0 && now.Sub(sub.readSince()) > m.cfg.StallTimeout {
				delete(ss.subs, subID)
				sub.close()
				continue
			}
			if m.cfg.HeartbeatInterval > 0 && now.Sub(sub.idleSince()) >= m.cfg.HeartbeatInterval {
				sub.push(bufEntry{heartbeat: true})
			}
		}
		if ss.ended && len(ss.subs) == 0 && now.Sub(ss.endedAt) > m.cfg.RetainAfterEnd {
			retire = append(retire, id)
		}
		ss.mu.Unlock()
	}

	if len(retire) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range retire {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}
