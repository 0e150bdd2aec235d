package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 8*1024, 1, testPepper, WithMinVerifyDuration(0))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHashVerify(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()
	encoded, err := h.Hash(ctx, "pw")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", encoded)
	}
	ok, err := h.Verify(ctx, "pw", encoded)
	if err != nil || !ok {
		t.Errorf("Verify(correct) = %v, %v", ok, err)
	}
	ok, err = h.Verify(ctx, "wrong", encoded)
	if err != nil || ok {
		t.Errorf("Verify(wrong) = %v, %v", ok, err)
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)
	a, _ := h.Hash(context.Background(), "pw")
	b, _ := h.Hash(context.Background(), "pw")
	if a == b {
		t.Error("two hashes of the same password must differ")
	}
}

func TestVerifyNormalizesUnicode(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash(context.Background(), "café")
	if err != nil {
		t.Fatal(err)
	}
	ok, _ := h.Verify(context.Background(), "café", encoded)
	if !ok {
		t.Error("canonically equivalent password rejected")
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2id$v=19$m=x$a$b", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA"} {
		ok, err := h.Verify(context.Background(), "pw", enc)
		if err != nil || ok {
			t.Errorf("Verify(%q) = %v, %v", enc, ok, err)
		}
	}
	ok, err := h.Verify(context.Background(), strings.Repeat("p", maxPasswordLength+1), "x")
	if err != nil || ok {
		t.Errorf("overlong password: %v, %v", ok, err)
	}
}

func TestVerifyMinimumDuration(t *testing.T) {
	h, err := NewHasher(1, 8*1024, 1, testPepper, WithMinVerifyDuration(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Start(1)
	defer h.Stop()
	start := time.Now()
	_, _ = h.Verify(context.Background(), "pw", "garbage")
	if time.Since(start) < 100*time.Millisecond {
		t.Error("verify returned before the floor")
	}
}

func TestHashRequiresStart(t *testing.T) {
	h, err := NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Hash(context.Background(), "pw"); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestHashAfterStop(t *testing.T) {
	h, _ := NewHasher(1, 8*1024, 1, testPepper)
	_ = h.Start(1)
	h.Stop()
	if _, err := h.Hash(context.Background(), "pw"); err == nil {
		t.Error("expected error after stop")
	}
}

func TestHashConcurrent(t *testing.T) {
	h := newTestHasher(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc, err := h.Hash(context.Background(), "pw")
			if err != nil {
				t.Errorf("Hash: %v", err)
				return
			}
			if ok, _ := h.Verify(context.Background(), "pw", enc); !ok {
				t.Error("verify failed")
			}
		}()
	}
	wg.Wait()
}

func TestNewHasherValidation(t *testing.T) {
	if _, err := NewHasher(1, 8*1024, 1, []byte("short")); err == nil {
		t.Error("short pepper accepted")
	}
	if _, err := NewHasher(0, 8*1024, 1, testPepper); err == nil {
		t.Error("zero iterations accepted")
	}
	if _, err := NewHasher(1, 512, 1, testPepper); err == nil {
		t.Error("tiny memory accepted")
	}
}
