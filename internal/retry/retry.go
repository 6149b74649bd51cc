// Package retry provides the single retry policy used by the player's
// reconnect loop, navigation retries, and capture-session restarts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the last error once MaxAttempts is reached.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Policy describes how to space attempts. Delay for attempt n (1-based) is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. Multiplier <= 1 gives a
// fixed delay.
type Policy struct {
	MaxAttempts int // 0 means unlimited
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Delay returns the wait before the next attempt after the given 1-based
// attempt number failed.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the policy gives up, or ctx is cancelled.
// The returned error is ctx.Err() on cancellation, or the last attempt's
// error wrapped in ErrAttemptsExhausted on give-up.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempt, last)
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
