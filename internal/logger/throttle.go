package logger

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled limits how often a noisy log line is emitted. Suppressed lines
// are counted and reported with the next line that gets through.
type Throttled struct {
	log        Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func NewThrottled(log Logger, every time.Duration, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// WarnwCtx returns true when the line was written.
func (t *Throttled) WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) bool {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return false
	}
	if n := t.suppressed.Swap(0); n > 0 {
		keysAndValues = append(keysAndValues, "suppressed", n)
	}
	t.log.WarnwCtx(ctx, msg, keysAndValues...)
	return true
}

func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}
