// Package retrytest provides a backoff.Timer that fires immediately and
// records every requested delay.
package retrytest

import (
	"sync"
	"time"
)

// Timer satisfies backoff.Timer without sleeping.  It is safe to share
// between concurrent retry loops.
type Timer struct {
	mu     sync.Mutex
	delays []time.Duration
	fired  chan time.Time
}

// NewTimer returns a ready-to-use Timer.
func NewTimer() *Timer {
	fired := make(chan time.Time)
	close(fired)
	return &Timer{fired: fired}
}

// Start records d.  The timer channel is always ready.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
}

// Stop is a no-op.
func (t *Timer) Stop() {}

// C returns a channel that is already closed.
func (t *Timer) C() <-chan time.Time {
	return t.fired
}

// Delays returns a copy of every delay passed to Start.
func (t *Timer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.delays))
	copy(out, t.delays)
	return out
}
