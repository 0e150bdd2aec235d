package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLRURejectsBadSize(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.Error(t, err)
	_, err = NewLRU[int](maxSize + 1)
	assert.Error(t, err)
}

func TestLRUExpiry(t *testing.T) {
	c, err := NewLRU[string](4)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("a", "x", time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLRUGetOrCreateRefreshes(t *testing.T) {
	c, err := NewLRU[*int](4)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	calls := 0
	mk := func() *int { calls++; n := calls; return &n }
	first := c.GetOrCreate("k", time.Minute, mk)
	now = now.Add(50 * time.Second)
	again := c.GetOrCreate("k", time.Minute, mk)
	assert.Same(t, first, again)
	now = now.Add(50 * time.Second)
	assert.Same(t, first, c.GetOrCreate("k", time.Minute, mk), "deadline was refreshed on access")
	assert.Equal(t, 1, calls)
}

func TestLRUPurgeAndEviction(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Hour)
	now = now.Add(time.Minute)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())

	c.Set("c", 3, time.Hour)
	c.Set("d", 4, time.Hour)
	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry evicted at capacity")
	c.Delete("c")
	assert.Equal(t, 1, c.Len())
}
