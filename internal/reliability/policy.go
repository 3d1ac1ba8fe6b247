package reliability

import (
	"context"
	"time"
)

// Policy is an injected retry policy: how many attempts a caller may make,
// how long to back off between them, and which errors are worth retrying.
// The caller owns the loop; Policy only answers questions about it.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt failed with err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return false
	}
	return p.Retryable(err)
}

// Delay returns the backoff before the given 1-based retry.
func (p Policy) Delay(retry int) time.Duration {
	return ExponentialBackoff(retry-1, p.BaseDelay, p.MaxDelay)
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
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
