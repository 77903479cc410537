// Package retry provides a bounded, fixed-delay retry policy for calls
// against the connector service.
//
// A Policy is a plain value: MaxAttempts bounds the total number of
// calls (not the number of retries) and Delay is the pause between two
// consecutive attempts.  The wait is driven by a backoff.Timer so tests
// can replace real sleeping with a recording timer (see retrytest).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the fixed pause between two attempts.
	Delay time.Duration

	// Timer drives the pause.  Nil uses a real timer.
	Timer backoff.Timer
}

// NotifyFunc is called after every failed attempt that will be retried.
// attempt is 1-based.
type NotifyFunc func(err error, attempt int, next time.Duration)

// Do calls op until it succeeds, the context is cancelled, or
// MaxAttempts calls have failed.  On exhaustion the error of the last
// attempt is returned unchanged.
func (p Policy) Do(ctx context.Context, op func() error, notify NotifyFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotifyWithTimer(func() error {
		attempt++
		return op()
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(err, attempt, next)
		}
	}, p.Timer)
}
