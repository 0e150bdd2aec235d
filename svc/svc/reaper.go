package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vanish/metrics"
	"vanish/svc/util"
)

// Reaper periodically sweeps expired secrets. A failed sweep is logged and
// retried on the next tick.
type Reaper struct {
	secrets  *Secrets
	interval time.Duration
	timeout  time.Duration
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func NewReaper(s *Secrets, interval time.Duration) *Reaper {
	timeout := interval
	if timeout > time.Minute {
		timeout = time.Minute
	}
	return &Reaper{
		secrets:  s,
		interval: interval,
		timeout:  timeout,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}
func (r *Reaper) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}
func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RunOnce()
		case <-r.quit:
			return
		}
	}
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	start := time.Now()
	n, err := r.secrets.Sweep(ctx)
	metrics.ReaperCycles.Inc()
	metrics.ReaperDeleted.Add(float64(n))
	if err != nil {
		util.Error().Err(err).Int("deleted", n).Msg("expiration sweep failed")
		return n
	}
	if n > 0 {
		util.Info().Int("deleted", n).Dur("duration", time.Since(start)).Msg("expired secrets removed")
	}
	return n
}

// Stop ends the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	if r.started.Load() {
		<-r.done
	}
}
