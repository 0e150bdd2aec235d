package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"vanish/metrics"
)

// Unwrapper turns a wrapped data key back into key material.
type Unwrapper interface {
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
}

// DEKCache keeps recently unwrapped data keys so that repeated reads of
// the same secret do not each cost a KMS round trip. Concurrent misses
// for the same wrapped key share one unwrap call.
type DEKCache struct {
	lru     *expirable.LRU[string, []byte]
	unwrap  Unwrapper
	group   singleflight.Group
	mu      sync.RWMutex
	stopped bool
}

func NewDEKCache(unwrap Unwrapper, size int, ttl time.Duration) *DEKCache {
	if size <= 0 {
		size = 1024
	}
	return &DEKCache{
		lru: expirable.NewLRU[string, []byte](size, func(_ string, dek []byte) {
			wipeBytes(dek)
		}, ttl),
		unwrap: unwrap,
	}
}

// Unwrap returns a private copy of the data key; callers may wipe it.
func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.RLock()
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, encContext)
	if dek, ok := c.lru.Get(key); ok {
		metrics.DEKCacheHits.Inc()
		return clone(dek), nil
	}
	metrics.DEKCacheMisses.Inc()
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.lru.Get(key); ok {
			return clone(dek), nil
		}
		dek, err := c.unwrap.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, clone(dek))
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(res.([]byte)), nil
}

// Forget drops a cached key, used once its secret is gone.
func (c *DEKCache) Forget(wrapped []byte, encContext EncryptionContext) {
	c.lru.Remove(cacheKey(wrapped, encContext))
}
func (c *DEKCache) Len() int {
	return c.lru.Len()
}

// Stop wipes every cached key. Later calls fail.
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.lru.Purge()
}
func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
