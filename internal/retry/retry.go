// Package retry holds the bounded retry policy shared by the outbound gateway
// client and the queue consumer.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is a bounded retry schedule. Attempts counts the first try, so
// Attempts == 1 means no retries.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Default mirrors the gateway client's historical behaviour: three attempts,
// one second apart and growing.
func Default() Policy {
	return Policy{MaxAttempts: 3, Initial: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before retry number attempt (1-based), doubling from
// Initial and capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Exhausted reports whether a unit of work that has already been retried
// retryCount times may not be retried again.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.Attempts()
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. The last error is returned, unwrapped from
// Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.Attempts() {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
