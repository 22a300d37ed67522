package kv

import (
	"context"
	"sync"
	"time"
)

// SweepFunc purges expired entries and reports how many were removed.
type SweepFunc func(ctx context.Context) (int64, error)

// Janitor runs a SweepFunc on a fixed interval until stopped. Expiry is
// always masked at read time; the janitor only reclaims space.
type Janitor struct {
	interval time.Duration
	sweep    SweepFunc
	logger   LogFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartJanitor starts sweeping in the background. interval must be positive.
func StartJanitor(interval time.Duration, sweep SweepFunc, logger LogFunc) *Janitor {
	j := &Janitor{
		interval: interval,
		sweep:    sweep,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweepOnce()
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) sweepOnce() {
	// A sweep never outlives one interval
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	n, err := j.sweep(ctx)
	if j.logger == nil {
		return
	}
	if err != nil {
		j.logger("Expired entry sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		j.logger("Swept expired entries", "count", n)
	}
}

// Stop halts the janitor and waits for an in-flight sweep to finish. It is
// safe to call more than once.
func (j *Janitor) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() {
		close(j.stop)
	})
	<-j.done
}
