package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is an in-memory Queue. Suitable for tests and deployments
// where dead letters do not need to survive a restart.
type InMemoryQueue struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*FailedEvent
	closed  bool

	enqueued int64
	dropped  int64
}

// NewInMemoryQueue creates an in-memory dead letter queue.
func NewInMemoryQueue(cfg Config) *InMemoryQueue {
	cfg.fill()
	return &InMemoryQueue{
		cfg:     cfg,
		entries: make(map[string]*FailedEvent),
	}
}

// Enqueue implements Queue.
func (q *InMemoryQueue) Enqueue(_ context.Context, failed *FailedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.entries) >= q.cfg.MaxSize {
		q.dropped++
		return ErrQueueFull
	}

	if failed.FailedAt.IsZero() {
		failed.FailedAt = time.Now()
	}
	if failed.NextRetryAt.IsZero() {
		failed.NextRetryAt = q.cfg.nextRetry(failed.AttemptCount)
	}

	q.entries[failed.EventID] = failed
	q.enqueued++

	if q.cfg.OnEnqueue != nil {
		q.cfg.OnEnqueue(failed)
	}
	return nil
}

// Dequeue implements Queue.
func (q *InMemoryQueue) Dequeue(_ context.Context, limit int) ([]*FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	ready := make([]*FailedEvent, 0, limit)
	for id, entry := range q.entries {
		if len(ready) >= limit {
			break
		}
		if !entry.NextRetryAt.After(now) {
			ready = append(ready, entry)
			delete(q.entries, id)
		}
	}
	return ready, nil
}

// List implements Queue.
func (q *InMemoryQueue) List(_ context.Context, limit int) ([]*FailedEvent, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	all := make([]*FailedEvent, 0, len(q.entries))
	for _, entry := range q.entries {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FailedAt.After(all[j].FailedAt) })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Acknowledge implements Queue.
func (q *InMemoryQueue) Acknowledge(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.entries[eventID]; !ok {
		return ErrNotFound
	}
	delete(q.entries, eventID)
	return nil
}

// RecordRetryFailure implements Queue.
func (q *InMemoryQueue) RecordRetryFailure(_ context.Context, failed *FailedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	failed.AttemptCount++
	failed.FailedAt = time.Now()
	if failed.AttemptCount >= q.cfg.MaxAttempts {
		// Beyond salvage; drop rather than retry forever.
		q.dropped++
		delete(q.entries, failed.EventID)
		return nil
	}

	failed.NextRetryAt = q.cfg.nextRetry(failed.AttemptCount)
	q.entries[failed.EventID] = failed
	return nil
}

// Count implements Queue.
func (q *InMemoryQueue) Count(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.entries), nil
}

// Close implements Queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Stats reports queue counters.
func (q *InMemoryQueue) Stats() (size int, enqueued, dropped int64) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), q.enqueued, q.dropped
}
