package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	agerrors "github.com/sentinel-finance/agentstream/pkg/agentstream/errors"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
)

// SQLiteQueue persists dead letters to SQLite so they survive restarts.
// Suitable for single-process production use. The path may be a file path
// or ":memory:" for testing.
type SQLiteQueue struct {
	cfg Config

	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteQueue opens (creating if needed) a SQLite-backed queue.
func NewSQLiteQueue(path string, cfg Config) (*SQLiteQueue, error) {
	cfg.fill()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			handler TEXT NOT NULL,
			error_message TEXT NOT NULL,
			category TEXT NOT NULL,
			payload BLOB,
			failed_at TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			next_retry_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_retry
		ON dead_letters(next_retry_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteQueue{cfg: cfg, db: db}, nil
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, failed *FailedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	var count int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}
	if count >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if failed.FailedAt.IsZero() {
		failed.FailedAt = time.Now()
	}
	if failed.NextRetryAt.IsZero() {
		failed.NextRetryAt = q.cfg.nextRetry(failed.AttemptCount)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters
		(event_id, session_id, sequence, kind, handler, error_message,
		 category, payload, failed_at, attempt_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, failed.EventID, failed.SessionID, failed.Sequence, string(failed.Kind),
		failed.Handler, failed.ErrorMessage, failed.Category.String(),
		[]byte(failed.Payload),
		failed.FailedAt.UTC().Format(time.RFC3339Nano),
		failed.AttemptCount,
		failed.NextRetryAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}

	if q.cfg.OnEnqueue != nil {
		q.cfg.OnEnqueue(failed)
	}
	return nil
}

// Dequeue implements Queue.
func (q *SQLiteQueue) Dequeue(ctx context.Context, limit int) ([]*FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	entries, err := q.query(ctx, `
		SELECT event_id, session_id, sequence, kind, handler, error_message,
		       category, payload, failed_at, attempt_count, next_retry_at
		FROM dead_letters
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM dead_letters WHERE event_id = ?`, entry.EventID); err != nil {
			return nil, fmt.Errorf("dequeue dead letter: %w", err)
		}
	}
	return entries, nil
}

// List implements Queue.
func (q *SQLiteQueue) List(ctx context.Context, limit int) ([]*FailedEvent, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if limit <= 0 {
		limit = q.cfg.MaxSize
	}

	return q.query(ctx, `
		SELECT event_id, session_id, sequence, kind, handler, error_message,
		       category, payload, failed_at, attempt_count, next_retry_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT ?
	`, limit)
}

// Acknowledge implements Queue.
func (q *SQLiteQueue) Acknowledge(ctx context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("acknowledge dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRetryFailure implements Queue.
func (q *SQLiteQueue) RecordRetryFailure(ctx context.Context, failed *FailedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	failed.AttemptCount++
	failed.FailedAt = time.Now()
	if failed.AttemptCount >= q.cfg.MaxAttempts {
		_, err := q.db.ExecContext(ctx,
			`DELETE FROM dead_letters WHERE event_id = ?`, failed.EventID)
		if err != nil {
			return fmt.Errorf("drop exhausted dead letter: %w", err)
		}
		return nil
	}
	failed.NextRetryAt = q.cfg.nextRetry(failed.AttemptCount)

	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters
		(event_id, session_id, sequence, kind, handler, error_message,
		 category, payload, failed_at, attempt_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, failed.EventID, failed.SessionID, failed.Sequence, string(failed.Kind),
		failed.Handler, failed.ErrorMessage, failed.Category.String(),
		[]byte(failed.Payload),
		failed.FailedAt.UTC().Format(time.RFC3339Nano),
		failed.AttemptCount,
		failed.NextRetryAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("reschedule dead letter: %w", err)
	}
	return nil
}

// Count implements Queue.
func (q *SQLiteQueue) Count(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	var count int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

// Close implements Queue.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// query runs a SELECT over the dead_letters columns and scans the rows.
// Caller holds the appropriate lock.
func (q *SQLiteQueue) query(ctx context.Context, stmt string, args ...any) ([]*FailedEvent, error) {
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*FailedEvent
	for rows.Next() {
		var (
			entry           FailedEvent
			kind, category  string
			failedAt, retry string
			payload         []byte
		)
		if err := rows.Scan(&entry.EventID, &entry.SessionID, &entry.Sequence,
			&kind, &entry.Handler, &entry.ErrorMessage, &category, &payload,
			&failedAt, &entry.AttemptCount, &retry); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entry.Kind = event.Kind(kind)
		entry.Category = parseCategory(category)
		entry.Payload = payload
		entry.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		entry.NextRetryAt, _ = time.Parse(time.RFC3339Nano, retry)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// parseCategory restores a stored category name.
func parseCategory(s string) agerrors.Category {
	if s == agerrors.CategoryTransient.String() {
		return agerrors.CategoryTransient
	}
	return agerrors.CategoryPermanent
}
