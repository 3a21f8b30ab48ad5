package engine

import (
	"context"
	"time"
)

// RetryPolicy is a bounded retry schedule with a per-attempt timeout.
// Window-expiry checks and the attempt bound are the cancellation mechanism;
// there is no other way to abort a burst.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Timeout     time.Duration
}

// Do runs op until it succeeds, attempts are exhausted, or the outer context
// dies. The last error wins.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(actx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return lastErr
}
