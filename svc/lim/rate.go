// Package lim enforces per-client request quotas. Counters live in Redis
// when one is configured so every node shares them; otherwise, or when
// Redis is unreachable, each node keeps token buckets in memory.
package lim

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"vanish/svc/cache"
	"vanish/svc/db"
	"vanish/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisBudget     = 100 * time.Millisecond
	adaptiveFor     = 60 * time.Second
)

// Counter is a shared fixed-window counter.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error)
}

type redisCounter struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCounter shares quotas through c, for deployments whose record
// backend is SQL but which still run several nodes.
func NewRedisCounter(c *redis.Client, timeout time.Duration) Counter {
	return &redisCounter{client: c, timeout: timeout}
}
func (r *redisCounter) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error) {
	return db.RateLimit(ctx, r.client, r.timeout, key, limit, window)
}

type Limiter struct {
	counter           Counter
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	local             *cache.LRU[*rate.Limiter]
	quit              chan struct{}
	now               func() time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New returns a Limiter backed by counter, or purely local when counter is
// nil.
func New(counter Counter) *Limiter {
	local, _ := cache.NewLRU[*rate.Limiter](maxLimiters)
	l := &Limiter{
		counter: counter,
		local:   local,
		quit:    make(chan struct{}),
		now:     time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start(time.Minute)
	go l.cleanupLoop()
	return l
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.local.Purge(); n > 0 {
				util.Debug().Int("evicted", n).Int("remaining", l.local.Len()).Msg("rate limiter cleanup")
			}
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

// TriggerAdaptiveMode halves every quota for a minute.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveFor).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// Allow counts one hit for key against limit per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	if l.isAdaptiveMode() {
		limit /= 2
		if limit < 1 {
			limit = 1
		}
	}
	if l.counter != nil {
		rctx, cancel := context.WithTimeout(ctx, redisBudget)
		defer cancel()
		usage, ttl, err := l.counter.RateLimit(rctx, "rl:"+key, limit, window)
		if err == nil {
			remaining := limit - usage
			if remaining < 0 {
				remaining = 0
			}
			return Result{
				Allowed:   usage <= limit,
				Limit:     limit,
				Remaining: remaining,
				Reset:     l.now().Add(ttl),
			}
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
	}
	return l.allowLocal(key, limit, window)
}
func (l *Limiter) allowLocal(key string, limit int, window time.Duration) Result {
	now := l.now()
	every := window / time.Duration(limit)
	b := l.local.GetOrCreate(key+"#"+strconv.Itoa(limit), limiterTTL, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(every), limit)
	})
	if !b.AllowN(now, 1) {
		wait := every - time.Duration(b.TokensAt(now)*float64(every))
		return Result{Limit: limit, Reset: now.Add(wait)}
	}
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(b.TokensAt(now)),
		Reset:     now.Add(window),
	}
}
