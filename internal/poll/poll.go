// Package poll waits for a condition reported by a cloud API to become
// true, re-checking it on a fixed interval within a bounded time budget.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTimeout is returned (wrapped) when the predicate did not hold before
// the timeout elapsed.
var ErrTimeout = errors.New("timed out waiting for condition")

// errNotReady marks a predicate call that returned false.
var errNotReady = errors.New("condition not met")

// Predicate reports whether the awaited condition holds.  A non-nil error
// aborts the wait immediately.
type Predicate func(ctx context.Context) (bool, error)

// WaitFor calls predicate immediately and then every interval until it
// returns true, returns an error, ctx is cancelled, or waiting for the next
// attempt would exceed timeout.
//
// Both interval and timeout must be positive: there is no unbounded mode.
// The predicate is invoked at most timeout/interval+1 times.
func WaitFor(ctx context.Context, interval, timeout time.Duration, predicate Predicate) error {
	if interval <= 0 {
		return fmt.Errorf("poll: interval must be positive, got %s", interval)
	}
	if timeout <= 0 {
		return fmt.Errorf("poll: timeout must be positive, got %s", timeout)
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		ok, err := predicate(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errNotReady
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotReady):
		return fmt.Errorf("%w after %s (%d attempts)", ErrTimeout, timeout, attempts)
	default:
		return err
	}
}
