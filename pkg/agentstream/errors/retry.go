package errors

import (
	"context"
	"time"
)

// RetryConfig bounds redispatch of transiently failing operations.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, first try included.
	// Values below 1 mean one attempt.
	MaxAttempts int

	// Backoff is the delay before the first retry. It doubles after each
	// failed attempt.
	Backoff time.Duration

	// MaxBackoff caps the doubling. Zero leaves it uncapped.
	MaxBackoff time.Duration
}

// DefaultRetry is the standard configuration for handler dispatch. Backoff
// is short: a retrying handler holds up its session's event lane.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	Backoff:     50 * time.Millisecond,
	MaxBackoff:  time.Second,
}

// NoRetry runs the operation exactly once.
var NoRetry = RetryConfig{MaxAttempts: 1}

// RetryResult reports how a retried operation concluded.
type RetryResult[T any] struct {
	// Value is the result of the successful attempt.
	Value T

	// Err is the final error when every attempt failed.
	Err error

	// Attempts is how many invocations ran.
	Attempts int
}

// WithRetryContext runs fn until it succeeds, fails permanently, or the
// attempt budget is spent. Only transient errors (per Categorize) are
// retried; the context is honored both before attempts and during backoff.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.Backoff
	var last error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      Permanent(err, "context cancelled"),
				Attempts: attempt - 1,
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: attempt}
		}
		last = err

		if !IsRetryable(err) {
			return RetryResult[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: Categorize(err),
					Retries:  attempt,
				},
				Attempts: attempt,
			}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return RetryResult[T]{
				Err:      Permanent(ctx.Err(), "context cancelled during backoff"),
				Attempts: attempt,
			}
		case <-time.After(delay):
		}
		delay *= 2
		if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      last,
			Category: Categorize(last),
			Retries:  cfg.MaxAttempts,
			Context:  "max retries exceeded",
		},
		Attempts: cfg.MaxAttempts,
	}
}
