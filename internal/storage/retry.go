package storage

import (
	"context"
	"time"
)

// WithRetry runs fn up to attempts times with doubling delay between
// failures. It exists for transient infrastructure errors only; callers
// must not route semantic failures (stale version, not found) through it.
func WithRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
