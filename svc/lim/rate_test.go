package lim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu   sync.Mutex
	hits map[string]int
	err  error
}

func (f *fakeCounter) RateLimit(_ context.Context, key string, limit int, window time.Duration) (int, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.hits[key] >= limit {
		return f.hits[key] + 1, window / 2, nil
	}
	f.hits[key]++
	return f.hits[key], window, nil
}

func TestLocalLimiter(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "create:abc", 3, time.Minute)
		require.True(t, res.Allowed, "hit %d", i+1)
		assert.Equal(t, 3, res.Limit)
	}
	res := l.Allow(ctx, "create:abc", 3, time.Minute)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.True(t, res.Reset.After(time.Now()))

	assert.True(t, l.Allow(ctx, "create:other", 3, time.Minute).Allowed, "keys are independent")
}

func TestLocalLimiterRefills(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	now := time.Unix(10000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "k", 2, time.Minute).Allowed)
	assert.True(t, l.Allow(ctx, "k", 2, time.Minute).Allowed)
	assert.False(t, l.Allow(ctx, "k", 2, time.Minute).Allowed)
	now = now.Add(31 * time.Second)
	assert.True(t, l.Allow(ctx, "k", 2, time.Minute).Allowed)
}

func TestSharedCounter(t *testing.T) {
	fc := &fakeCounter{hits: map[string]int{}}
	l := New(fc)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow(ctx, "read:x", 2, time.Minute).Allowed)
	}
	res := l.Allow(ctx, "read:x", 2, time.Minute)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, fc.hits["rl:read:x"])
}

func TestCounterFailureFallsBackToLocal(t *testing.T) {
	l := New(&fakeCounter{err: errors.New("connection refused")})
	defer l.Stop()
	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "k", 1, time.Minute).Allowed)
	assert.False(t, l.Allow(ctx, "k", 1, time.Minute).Allowed)
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	l.TriggerAdaptiveMode()
	res := l.Allow(context.Background(), "k", 10, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
}

func TestAnomalyDetectorTriggers(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	d.RecordError()
	d.AdvanceWindow()
	assert.Zero(t, fired, "5% is not above the threshold")

	for i := 0; i < 3; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	assert.Equal(t, 1, fired)
	d.Stop()
	d.Stop()
}

func TestAnomalyDetectorNeedsVolume(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	for i := 0; i < 5; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	d.AdvanceWindow()
	assert.False(t, fired)
}
