package queue

import (
	"context"
	"time"
)

// Janitor periodically runs Cleanup and ReapStale.
type Janitor struct {
	svc      *Service
	interval time.Duration
	ceiling  time.Duration
	ticks    func(time.Duration) (<-chan time.Time, func())
	done     func(deleted, reaped int)
}

// NewJanitor creates a janitor that sweeps every interval.
func NewJanitor(svc *Service, interval, processingCeiling time.Duration) *Janitor {
	return &Janitor{
		svc:      svc,
		interval: interval,
		ceiling:  processingCeiling,
		ticks: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		done: func(int, int) {},
	}
}

// WithTicks replaces the ticker, letting tests drive sweeps by hand.
func (j *Janitor) WithTicks(ticks <-chan time.Time) *Janitor {
	j.ticks = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	}
	return j
}

// OnSweep registers a callback invoked after every sweep.
func (j *Janitor) OnSweep(fn func(deleted, reaped int)) *Janitor {
	if fn != nil {
		j.done = fn
	}
	return j
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticks, stop := j.ticks(interval)
	defer stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single cleanup and reap pass. Errors are logged, not returned,
// so a store outage does not stop future sweeps.
func (j *Janitor) Sweep(ctx context.Context) {
	deleted, err := j.svc.Cleanup(ctx)
	if err != nil {
		j.svc.logger.Printf("cleanup failed after %d deletions: %v", deleted, err)
	} else if deleted > 0 {
		j.svc.logger.Printf("cleanup removed %d expired jobs", deleted)
	}
	reaped, err := j.svc.ReapStale(ctx, j.ceiling)
	if err != nil {
		j.svc.logger.Printf("reap stale jobs failed: %v", err)
	}
	j.done(deleted, reaped)
}
