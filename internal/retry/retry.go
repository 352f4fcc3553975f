// Package retry provides bounded retry and pacing helpers.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop
type Policy struct {
	Attempts int           // total attempts, including the first
	Delay    time.Duration // wait between attempts
}

// Delayer is implemented by errors that know how long to wait before retrying
// (for example a rate limit response carrying retry_after).
type Delayer interface {
	RetryAfter() time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. A nil retryable treats every error as retryable.
// The last error is returned.
func Do(ctx context.Context, p Policy, fn func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := p.Delay
		var d Delayer
		if errors.As(err, &d) && d.RetryAfter() > 0 {
			delay = d.RetryAfter()
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first
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
