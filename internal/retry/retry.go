// Package retry provides a shared retryable-operation helper used by the
// ledger client's endpoint loop.
package retry

import (
	"context"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(error) bool
	// Sleep is swapped out in tests to observe delays without waiting.
	Sleep func(context.Context, time.Duration) error
}

// DefaultPolicy matches the ledger submission behavior: 3 attempts,
// 2s base delay doubling to a 16s cap.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    16 * time.Second,
		Retryable:   retryable,
	}
}

// Do runs fn up to MaxAttempts times with exponential backoff between
// attempts. It returns nil on the first success. A non-retryable error or an
// exhausted attempt budget returns the last error from fn. Context
// cancellation during backoff returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
