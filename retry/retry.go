// Package retry decides whether and when a failed fetch is tried again.
package retry

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
)

const (
	// maxShift caps the backoff growth at interval * 2^maxShift.
	maxShift = 8
	factor   = 2
)

// Backoff computes retry delays that start at an interval and double with
// each attempt, up to a cap. It is safe for concurrent use.
type Backoff struct {
	interval time.Duration
	b        backoff.Backoff
}

// NewBackoff creates a Backoff whose first delay is interval. If jitter is
// true, each delay is randomized between interval and the computed delay.
func NewBackoff(interval time.Duration, jitter bool) *Backoff {
	return &Backoff{
		interval: interval,
		b: backoff.Backoff{
			Min:    interval,
			Max:    interval << maxShift,
			Factor: factor,
			Jitter: jitter,
		},
	}
}

// Delay returns the delay before retry number attempt. The first retry is
// attempt 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if b.interval <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	return b.b.ForAttempt(float64(attempt - 1))
}

// Policy bounds the number of consecutive retries of one key.
type Policy struct {
	// MaxRetries is the number of retries allowed after the first failure. A
	// negative value means unlimited, and zero disables retries.
	MaxRetries int
	Backoff    *Backoff
}

// Exhausted returns true if retry number attempt is not allowed.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxRetries >= 0 && attempt > p.MaxRetries
}

// Delay returns the delay before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}

// AfterFunc schedules fn to run after a delay, such as clock.Clock.AfterFunc.
type AfterFunc func(d time.Duration, fn func()) *clock.Timer

// Schedule calls fn after delay, but only if current still returns token when
// the timer fires. A changed token means that newer work superseded the
// retry, and the retry is dropped. The returned timer can be stopped to
// cancel the retry.
func Schedule(after AfterFunc, delay time.Duration, token uint64, current func() uint64, fn func()) *clock.Timer {
	return after(delay, func() {
		if current() != token {
			log.Debugw("Dropped superseded retry", "token", token)
			return
		}
		fn()
	})
}
