package lim

import (
	"sync"
	"time"

	"vanish/metrics"
	"vanish/svc/util"
)

const (
	anomalyBuckets      = 5
	anomalyMinRequests  = 10
	anomalyErrorPercent = 5.0
)

// AnomalyDetector keeps a rolling window of request and server error
// counts. When the error rate over the window crosses the threshold it
// calls onAnomaly, which tightens rate limits.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       [anomalyBuckets]bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

// Start advances the window every step until Stop.
func (d *AnomalyDetector) Start(step time.Duration) {
	ticker := time.NewTicker(step)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}
func (d *AnomalyDetector) totals() (reqs, errs int64) {
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	return reqs, errs
}

// AdvanceWindow evaluates the window, then rotates to a fresh bucket.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	reqs, errs := d.totals()
	var errorRate float64
	if reqs > 0 {
		errorRate = float64(errs) / float64(reqs) * 100.0
	}
	d.currentIndex = (d.currentIndex + 1) % anomalyBuckets
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if reqs > anomalyMinRequests && errorRate > anomalyErrorPercent {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", reqs).
			Int64("total_errs", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
