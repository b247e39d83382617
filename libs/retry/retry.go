// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts, driven by a constant backoff. Only errors the
// caller classifies as retryable are retried; anything else is returned
// immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 300 * time.Millisecond
)

type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// OnRetry, if set, is called before sleeping with the attempt that failed.
	OnRetry func(attempt int, err error)
}

func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	operation := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}
	notify := func(err error, _ time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return errors.Join(ctx.Err(), lastErr)
	}
	return &ExhaustedError{Attempts: attempt, Err: lastErr}
}
