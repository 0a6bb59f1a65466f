// Package stream owns live subscriber connections: fan-out of formatted
// records, replay on reconnect, heartbeats, and slow-consumer backpressure.
//
// Publishing never blocks. A subscription that cannot keep up loses its
// oldest buffered records first and sees an explicit gap marker; memory
// per subscriber is bounded by the configured buffer capacity.
package stream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
)

// ErrSubscriptionClosed is returned by Next after the subscription has been
// torn down or its session's terminal marker has been delivered.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ErrManagerClosed is returned when subscribing to or publishing on a
// closed manager.
var ErrManagerClosed = errors.New("connection manager closed")

// ErrBadLastEventID is returned by Subscribe when the resume position is not
// a decimal sequence number.
var ErrBadLastEventID = errors.New("malformed last event id")

// Record is one item delivered to a subscriber.
type Record struct {
	SSEEvent  sse.SSEEvent
	Heartbeat bool
}

// Bytes renders the record in wire form.
func (r Record) Bytes() []byte {
	if r.Heartbeat {
		return sse.Heartbeat()
	}
	return sse.Encode(r.SSEEvent)
}

// PublishMeta carries the delivery attributes of a published record.
type PublishMeta struct {
	Severity    event.Severity
	Coalescible bool

	// Redacted, if set, is the variant delivered to subscribers that
	// asked for sensitive fields to be stripped.
	Redacted *sse.SSEEvent
}

// Subscription is one live consumer attached to a session's stream.
// Created by Manager.Subscribe, destroyed on Unsubscribe, transport
// disconnect, or session termination.
type Subscription struct {
	id        string
	sessionID string
	opts      sse.TransformOptions

	capacity       int
	coalesceWindow time.Duration

	mu       sync.Mutex
	buf      []bufEntry
	dropped  int // events lost to overflow since the last gap marker
	closed   bool
	lastSeq  uint64
	lastPush time.Time
	lastRead time.Time

	notify chan struct{}
	done   chan struct{}
}

// bufEntry is one buffered outbound record.
type bufEntry struct {
	rec         sse.SSEEvent
	heartbeat   bool
	terminal    bool
	coalescible bool
	at          time.Time
}

func newSubscription(id, sessionID string, opts sse.TransformOptions, capacity int, window time.Duration) *Subscription {
	now := time.Now()
	return &Subscription{
		id:             id,
		sessionID:      sessionID,
		opts:           opts,
		capacity:       capacity,
		coalesceWindow: window,
		lastPush:       now,
		lastRead:       now,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// SessionID returns the session this subscription is attached to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Options returns the subscription's transform options.
func (s *Subscription) Options() sse.TransformOptions { return s.opts }

// LastDelivered returns the sequence of the last event record handed to
// the consumer via Next. Zero until an event record is delivered.
func (s *Subscription) LastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Next blocks until a record is available, the context is cancelled, or the
// subscription closes. Gap markers are synthesized ahead of the surviving
// records when buffered history was dropped.
func (s *Subscription) Next(ctx context.Context) (Record, error) {
	for {
		s.mu.Lock()
		s.lastRead = time.Now()

		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Record{SSEEvent: sse.Gap(n)}, nil
		}
		if len(s.buf) > 0 {
			entry := s.buf[0]
			s.buf = s.buf[1:]
			if entry.terminal && !s.closed {
				// Unsubscribe may have closed the subscription while the
				// terminal marker was still buffered.
				s.closed = true
				close(s.done)
			}
			if seq := parseSeq(entry.rec.ID); seq > 0 {
				s.lastSeq = seq
			}
			s.mu.Unlock()
			return Record{SSEEvent: entry.rec, Heartbeat: entry.heartbeat}, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Record{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-s.done:
			// Drain whatever arrived before close.
			s.mu.Lock()
			empty := len(s.buf) == 0 && s.dropped == 0
			s.mu.Unlock()
			if empty {
				return Record{}, ErrSubscriptionClosed
			}
		case <-s.notify:
		}
	}
}

// push enqueues a record, applying the drop-oldest policy on overflow and
// squashing rapid coalescible records when the subscriber opted in. Returns
// how many buffered event records were displaced.
func (s *Subscription) push(entry bufEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	entry.at = time.Now()
	s.lastPush = entry.at

	// Coalesce: replace the newest buffered thinking record instead of
	// queueing another one, so a burst delivers one update with the
	// latest payload.
	if entry.coalescible && s.opts.Coalesce && len(s.buf) > 0 {
		last := &s.buf[len(s.buf)-1]
		if last.coalescible && last.rec.Event == entry.rec.Event &&
			entry.at.Sub(last.at) <= s.coalesceWindow {
			*last = entry
			s.signal()
			return 0
		}
	}

	var displaced int
	if len(s.buf) >= s.capacity {
		if entry.heartbeat {
			// Never displace data with a keep-alive.
			return 0
		}
		// Drop the oldest first, never the newest. Heartbeats are not
		// events, so only event records count toward the gap.
		victim := s.buf[0]
		s.buf = s.buf[1:]
		if !victim.heartbeat {
			s.dropped++
			displaced = 1
		}
	}

	s.buf = append(s.buf, entry)
	s.signal()
	return displaced
}

// idleSince reports the time of the last enqueued record.
func (s *Subscription) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPush
}

// readSince reports the time of the last consumer read.
func (s *Subscription) readSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead
}

// close tears the subscription down. Idempotent.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// signal wakes a blocked Next without blocking the publisher.
func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// parseSeq decodes a record ID back to its sequence. Control records carry
// no ID and parse to zero.
func parseSeq(id string) uint64 {
	if id == "" {
		return 0
	}
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
