package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

func ExponentialBackoff(initialInterval, maxInterval time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	exp := ExponentialBackoff(initialInterval, maxInterval, multiplier)
	exp.MaxElapsedTime = maxElapsed
	return exp
}

// Reconnect is an unbounded exponential schedule for transport reconnects.
// It never returns backoff.Stop.
type Reconnect struct {
	b        *backoff.ExponentialBackOff
	clock    clockwork.Clock
	attempts int
}

func NewReconnect(initialInterval, maxInterval time.Duration, multiplier float64, clock clockwork.Clock) *Reconnect {
	if initialInterval <= 0 {
		initialInterval = time.Second
	}
	if maxInterval < initialInterval {
		maxInterval = 60 * time.Second
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconnect{
		b:     ExponentialBackoff(initialInterval, maxInterval, multiplier),
		clock: clock,
	}
}

// Next returns the delay before the next reconnect attempt.
func (r *Reconnect) Next() time.Duration {
	r.attempts++
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		d = r.b.MaxInterval
	}
	return d
}

func (r *Reconnect) Attempts() int {
	return r.attempts
}

// Reset is called once a connection has delivered data again.
func (r *Reconnect) Reset() {
	r.attempts = 0
	r.b.Reset()
}

// Wait sleeps for the next delay. It returns false if ctx ended first.
func (r *Reconnect) Wait(ctx context.Context) (time.Duration, bool) {
	d := r.Next()
	return d, Sleep(ctx, r.clock, d)
}

// Sleep blocks for d on clock or until ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
