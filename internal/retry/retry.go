// Package retry runs a boundary call under a declared attempt/backoff policy.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	Attempts int           // total attempts, including the first one
	Backoff  time.Duration // fixed pause between attempts
}

// OnRetryFunc is invoked before every retry with the attempt number that just
// failed (1-based) and its error.
type OnRetryFunc func(attempt int, err error)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops immediately and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the context is
// done, or the policy runs out of attempts. It returns the number of attempts
// made and the last error.
func Do(ctx context.Context, p Policy, onRetry OnRetryFunc, fn func(attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}

		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}

		if attempt == attempts {
			return attempt, err
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		if sleepErr := sleep(ctx, p.Backoff); sleepErr != nil {
			return attempt, err
		}
	}
	return attempts, err
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
