// Package ratelimit paces simulated frame arrivals to a frames-per-second
// target.
package ratelimit

import (
	"context"
	"time"
)

// Throttle paces to fps frames per second on average. A nil Throttle
// never waits. Not safe for concurrent use.
type Throttle struct {
	interval  time.Duration
	admitted  uint64
	unchecked uint64
	start     time.Time
	// checkEvery is how many frames pass between clock reads.
	checkEvery uint64
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a throttle for fps frames per second.
// If fps == 0, throttling is disabled and nil is returned.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(fps),
		start:    time.Now(),

		// About every 10ms worth of frames, at least every 32 and at
		// most every 1024 frames.
		checkEvery: min(max(fps/100, 32), 1024),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until n more frames are due. Falling behind is not made up
// by bursting later. It returns early with the context's error.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	l.admitted += n
	l.unchecked += n
	if l.unchecked < l.checkEvery {
		return nil
	}
	l.unchecked = 0

	due := l.start.Add(time.Duration(l.admitted) * l.interval)
	now := l.now()
	if now.Before(due) {
		return l.sleep(ctx, due.Sub(now))
	}
	// Behind schedule: restart the schedule from now.
	l.start = now
	l.admitted = 0
	return nil
}

// Admitted returns the number of frames admitted since the schedule last
// restarted.
func (l *Throttle) Admitted() uint64 {
	if l == nil {
		return 0
	}
	return l.admitted
}
