package util

import (
	"strings"
	"sync"
	"testing"
	"time"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHasher(t *testing.T, clock *fakeClock) *IPHasher {
	t.Helper()
	h, err := newIPHasher(testPepper, time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("newIPHasher: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestIPHasherDeterministic(t *testing.T) {
	h := newTestHasher(t, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	hash1, err := h.HashIP("192.168.1.100")
	if err != nil {
		t.Fatalf("HashIP failed: %v", err)
	}
	hash2, _ := h.HashIP("192.168.1.100")
	if hash1 != hash2 {
		t.Errorf("HashIP not deterministic: %s != %s", hash1, hash2)
	}
	if !strings.HasPrefix(hash1, "hmac-sha256:") || len(strings.Split(hash1, ":")) != 3 {
		t.Errorf("Hash has wrong format: %s", hash1)
	}
	other, _ := h.HashIP("10.0.0.50")
	if other == hash1 {
		t.Errorf("Different IPs produced same hash: %s", hash1)
	}
}

func TestIPHasherKeyRotation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	h := newTestHasher(t, clock)
	ip := "192.168.1.100"
	before, _ := h.HashIP(ip)

	clock.Advance(time.Hour)
	h.tick()
	after, _ := h.HashIP(ip)
	if before == after {
		t.Fatal("hash didn't change after key rotation")
	}
	for _, hash := range []string{before, after} {
		ok, err := h.VerifyIPHash(ip, hash)
		if err != nil || !ok {
			t.Errorf("VerifyIPHash(%s) = %v, %v", hash, ok, err)
		}
	}

	clock.Advance(time.Hour)
	h.tick()
	if ok, _ := h.VerifyIPHash(ip, before); ok {
		t.Error("hash from two epochs ago should not verify")
	}
}

func TestIPHasherConcurrency(t *testing.T) {
	h := newTestHasher(t, &fakeClock{t: time.Now()})
	var wg sync.WaitGroup
	results := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := h.HashIP("192.168.1.100")
			if err != nil {
				t.Errorf("HashIP failed: %v", err)
				return
			}
			results <- hash
		}()
	}
	wg.Wait()
	close(results)
	var first string
	for hash := range results {
		if first == "" {
			first = hash
		}
		if hash != first {
			t.Errorf("Concurrent hashing produced different results")
		}
	}
}

func TestIPHasherStop(t *testing.T) {
	h, err := newIPHasher(testPepper, time.Hour, time.Now)
	if err != nil {
		t.Fatal(err)
	}
	h.Stop()
	h.Stop()
	if _, err := h.HashIP("192.168.1.100"); err != ErrHasherStopped {
		t.Errorf("Expected ErrHasherStopped, got: %v", err)
	}
	if h.currentKey != nil || h.previousKey != nil || h.pepper != nil {
		t.Errorf("key material not wiped after stop")
	}
}

func TestIPHasherInvalidConfig(t *testing.T) {
	if _, err := NewIPHasher([]byte("short"), time.Hour); err == nil {
		t.Error("Expected error for short pepper")
	}
	if _, err := NewIPHasher(testPepper, 5*time.Minute); err != ErrInvalidInterval {
		t.Errorf("Expected ErrInvalidInterval, got: %v", err)
	}
}
