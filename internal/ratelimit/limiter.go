// Package ratelimit enforces the broker's request quotas. Every remote call
// in the engine goes through one shared Limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// Limiter gates callers against a per-second and a per-minute ceiling.
// Acquire never fails under load, it only delays; waiters are released in
// arrival order.
type Limiter struct {
	perSecond *rate.Limiter

	mu        sync.Mutex
	perMinute int
	window    []time.Time // grant timestamps inside the last 60s
	inflight  int         // admitted past the minute gate, not yet granted

	granted int64
	waited  int64 // grants that had to block
}

func New(perSecond, perMinute int) *Limiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	if perMinute <= 0 {
		perMinute = perSecond * 60
	}
	return &Limiter{
		perSecond: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		perMinute: perMinute,
	}
}

// Acquire blocks until a call may be made without breaching either ceiling,
// or until ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	// Per-minute ceiling first: rate.Limiter.Wait already queues waiters
	// FIFO for the per-second leg, so order is preserved across both.
	if err := l.waitMinuteWindow(ctx); err != nil {
		return err
	}
	if err := l.perSecond.Wait(ctx); err != nil {
		l.mu.Lock()
		l.inflight--
		l.mu.Unlock()
		return err
	}

	elapsed := time.Since(start)
	metrics.RateLimitWait.Observe(elapsed.Seconds())

	l.mu.Lock()
	l.inflight--
	l.window = append(l.window, time.Now())
	l.granted++
	if elapsed > time.Millisecond {
		l.waited++
	}
	l.mu.Unlock()
	return nil
}

// waitMinuteWindow admits the caller against the per-minute ceiling. The slot
// is reserved before unlocking: callers still queued in the per-second leg
// count against the ceiling, so concurrent arrivals cannot all pass the check
// against a stale window.
func (l *Limiter) waitMinuteWindow(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.prune(time.Now())
		if len(l.window)+l.inflight < l.perMinute {
			l.inflight++
			l.mu.Unlock()
			return nil
		}
		// Sleep until the oldest grant ages out of the window. With every
		// slot held by in-flight reservations there is nothing to age out,
		// so poll instead.
		wakeAt := time.Now().Add(50 * time.Millisecond)
		if len(l.window) > 0 {
			wakeAt = l.window[0].Add(time.Minute)
		}
		l.mu.Unlock()

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(l.window) && !l.window[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.window = l.window[idx:]
	}
}

// Snapshot is a read-only view for the status surface.
type Snapshot struct {
	Granted      int64
	Waited       int64
	LastMinute   int
	MinuteCeil   int
	SecondCeil   int
	MinuteLoad   float64 // 0..1
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())

	snap := Snapshot{
		Granted:    l.granted,
		Waited:     l.waited,
		LastMinute: len(l.window),
		MinuteCeil: l.perMinute,
		SecondCeil: int(l.perSecond.Limit()),
	}
	if l.perMinute > 0 {
		snap.MinuteLoad = float64(len(l.window)) / float64(l.perMinute)
	}
	return snap
}
