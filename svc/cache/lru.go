// Package cache provides a bounded LRU with per-entry deadlines.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxSize = 100000

type LRU[V any] struct {
	c   *lru.Cache[string, item[V]]
	mu  sync.Mutex
	now func() time.Time
}
type item[V any] struct {
	v   V
	exp time.Time
}

func NewLRU[V any](size int) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c, now: time.Now}, nil
}
func (l *LRU[V]) Get(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key)
}
func (l *LRU[V]) get(key string) (V, bool) {
	var zero V
	it, ok := l.c.Get(key)
	if !ok {
		return zero, false
	}
	if l.now().After(it.exp) {
		l.c.Remove(key)
		return zero, false
	}
	return it.v, true
}
func (l *LRU[V]) Set(key string, v V, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, item[V]{v: v, exp: l.now().Add(ttl)})
}

// GetOrCreate returns the live entry for key or stores the result of mk.
// Reads refresh the deadline so active keys are not dropped mid-window.
func (l *LRU[V]) GetOrCreate(key string, ttl time.Duration, mk func() V) V {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.get(key)
	if !ok {
		v = mk()
	}
	l.c.Add(key, item[V]{v: v, exp: l.now().Add(ttl)})
	return v
}
func (l *LRU[V]) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
}
func (l *LRU[V]) Len() int {
	return l.c.Len()
}

// Purge drops every expired entry and returns how many were removed.
func (l *LRU[V]) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, k := range l.c.Keys() {
		if it, ok := l.c.Peek(k); ok && now.After(it.exp) {
			l.c.Remove(k)
			n++
		}
	}
	return n
}
