// Package dlq retains events whose handlers failed so operators can inspect
// and replay them. Entries record the failing handler and the error category
// alongside the original event payload.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	agerrors "github.com/sentinel-finance/agentstream/pkg/agentstream/errors"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

var (
	// ErrQueueClosed is returned on operations against a closed queue.
	ErrQueueClosed = errors.New("dead letter queue closed")

	// ErrQueueFull is returned when the queue refuses a new entry.
	ErrQueueFull = errors.New("dead letter queue full")

	// ErrNotFound is returned when the referenced entry does not exist.
	ErrNotFound = errors.New("entry not found in dead letter queue")
)

// FailedEvent is one dead-lettered event.
type FailedEvent struct {
	EventID      string            `json:"event_id"`
	SessionID    string            `json:"session_id"`
	Sequence     uint64            `json:"sequence"`
	Kind         event.Kind        `json:"kind"`
	Handler      string            `json:"handler"`
	ErrorMessage string            `json:"error_message"`
	Category     agerrors.Category `json:"category"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	FailedAt     time.Time         `json:"failed_at"`
	AttemptCount int               `json:"attempt_count"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
}

// Queue stores dead-lettered events for inspection and replay.
type Queue interface {
	// Enqueue adds a failed event.
	Enqueue(ctx context.Context, failed *FailedEvent) error

	// Dequeue removes and returns up to limit entries whose retry time
	// has come.
	Dequeue(ctx context.Context, limit int) ([]*FailedEvent, error)

	// List returns up to limit entries without removing them, newest first.
	List(ctx context.Context, limit int) ([]*FailedEvent, error)

	// Acknowledge removes an entry after successful replay.
	Acknowledge(ctx context.Context, eventID string) error

	// RecordRetryFailure re-enqueues an entry after a failed replay with
	// backed-off retry scheduling.
	RecordRetryFailure(ctx context.Context, failed *FailedEvent) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Close releases queue resources.
	Close() error
}

// Config configures queue behavior shared by the implementations.
type Config struct {
	// MaxSize limits stored entries. Default: 10000.
	MaxSize int

	// RetryDelay is the base delay before an entry becomes eligible for
	// replay. Doubled per failed attempt. Default: 30s.
	RetryDelay time.Duration

	// MaxAttempts drops an entry permanently once exceeded.
	// Default: 5.
	MaxAttempts int

	// OnEnqueue, if set, is called for every stored entry.
	OnEnqueue func(*FailedEvent)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxSize:     10000,
	RetryDelay:  30 * time.Second,
	MaxAttempts: 5,
}

func (c *Config) fill() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultConfig.MaxSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultConfig.RetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
}

// nextRetry computes the backed-off retry time for an attempt count.
func (c Config) nextRetry(attempts int) time.Time {
	backoff := c.RetryDelay
	for i := 0; i < attempts && backoff < time.Hour; i++ {
		backoff *= 2
	}
	return time.Now().Add(backoff)
}
