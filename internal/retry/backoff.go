// Package retry provides exponential backoff for transient network failures.
package retry

import (
	"context"
	"time"
)

// Backoff computes base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (0-based). A negative
// attempt returns Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * any sane base already exceeds every cap we use.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn up to attempts times, sleeping b.Delay(i) between calls. It
// stops early when fn succeeds, when retryable reports false for the error,
// or when ctx is done. A nil retryable retries every error. The last error
// is returned.
func Do(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := Sleep(ctx, b.Delay(i)); serr != nil {
			return err
		}
	}
	return err
}
