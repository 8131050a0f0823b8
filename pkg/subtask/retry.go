package subtask

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackoffPolicy bounds the retry loop around transient storage failures:
// a fixed short delay, a fixed attempt count, then give up. Exhaustion
// means the mediator is overloaded, not that the client erred.
type BackoffPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultBackoffPolicy retries three times with a 50ms pause.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Attempts: 3, Delay: 50 * time.Millisecond}
}

// WithRetry runs op, retrying on transient storage errors per the policy.
// Non-transient errors return immediately; context cancellation stops the
// loop between attempts.
func WithRetry(ctx context.Context, policy BackoffPolicy, op func() error) error {
	var err error
	for attempt := 0; attempt <= policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = op()
		if err == nil || !IsTransientStorageError(err) {
			return err
		}
	}
	return fmt.Errorf("subtask: retries exhausted after %d attempts: %w", policy.Attempts+1, err)
}

// IsTransientStorageError reports whether err is a lock-contention or
// busy condition worth retrying. Both drivers surface these only as
// message text.
func IsTransientStorageError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || // sqlite
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "could not obtain lock") || // postgres lock_not_available
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
}
