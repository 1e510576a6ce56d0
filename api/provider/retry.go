package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Backoff bounds a retried provider call.
type Backoff struct {
	Attempts int           // default 5
	Base     time.Duration // first delay, doubled per attempt; default 500ms
	Max      time.Duration // delay cap; default 10s
	Timeout  time.Duration // per-attempt timeout; 0 means none
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 5
	}
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	return b
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, ctx is done,
// or the attempts are used up. Each attempt gets its own timeout.
func Retry(ctx context.Context, b Backoff, op string, fn func(ctx context.Context) error) error {
	b = b.withDefaults()
	delay := b.Base

	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		lastErr = err
		if attempt == b.Attempts {
			break
		}

		log.Printf("provider: %s attempt %d/%d failed: %v (retrying in %s)", op, attempt, b.Attempts, err, delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, b.Attempts, lastErr)
}
