package store

import (
	"context"
	"time"

	"github.com/clevertree/relay-sub003/internal/faults"
)

// WithRetry runs fn up to 1+retries times, sleeping with doubling backoff
// between attempts. Only StoreIO errors are retried; any other error is
// final on first occurrence.
func WithRetry(ctx context.Context, retries int, initial time.Duration, fn func() error) error {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}

	var err error
	delay := initial
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !faults.IsCategory(err, faults.StoreIO) {
			return err
		}
		if attempt >= retries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
}
