// Package retry implements bounded exponential backoff for adapter calls.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Policy bounds the retries of a single logical operation
type Policy struct {
	MaxAttempts    int           // Total attempts including the first one
	InitialBackoff time.Duration // Delay before the second attempt
	MaxBackoff     time.Duration // Upper bound for a single delay
}

// Backoff returns the delay before attempt (1-based retries: attempt 1 is
// the first retry)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do runs op until it succeeds, returns an error shouldRetry rejects, the
// attempts are exhausted, or ctx is done. The last operation error is
// returned; a canceled context while waiting returns ctx.Err().
func Do(ctx context.Context, p Policy, logger *zap.Logger, name string, shouldRetry func(error) bool, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}

		if logger != nil && attempt+1 < attempts {
			logger.Debug("Operation failed, retrying",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
		}
	}

	return lastErr
}
