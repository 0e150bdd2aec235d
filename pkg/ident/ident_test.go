package ident

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNextIsValid(t *testing.T) {
	g := NewGenerator(func(context.Context, string) (bool, error) { return false, nil })
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := g.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !Valid(id) {
			t.Fatalf("generated id %q does not validate", id)
		}
		parts := strings.SplitN(id, Delimiter, 2)
		if len(parts[1]) != TokenLength {
			t.Errorf("token length = %d", len(parts[1]))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNextRetriesOnCollision(t *testing.T) {
	calls := 0
	g := NewGenerator(func(context.Context, string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if _, err := g.Next(context.Background()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("exists called %d times, want 3", calls)
	}
}

func TestNextExhausted(t *testing.T) {
	calls := 0
	g := NewGenerator(func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})
	_, err := g.Next(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != MaxAttempts {
		t.Errorf("exists called %d times, want %d", calls, MaxAttempts)
	}
}

func TestNextPropagatesStoreError(t *testing.T) {
	boom := errors.New("store down")
	g := NewGenerator(func(context.Context, string) (bool, error) { return false, boom })
	if _, err := g.Next(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestValid(t *testing.T) {
	token := strings.Repeat("aZ0_-", 6) + "xy"
	tests := []struct {
		id   string
		want bool
	}{
		{"quiet~" + token, true},
		{"a~" + token, true},
		{"quiet" + token, false},
		{"~" + token, false},
		{"quiet~" + token[:31], false},
		{"quiet~" + token + "x", false},
		{"qu iet~" + token, false},
		{"quiet~" + strings.Replace(token, "a", "/", 1), false},
		{"../etc/passwd", false},
		{strings.Repeat("w", 33) + "~" + token, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestWordsAreValidPrefixes(t *testing.T) {
	if len(words) < 50 {
		t.Fatalf("word list too short: %d", len(words))
	}
	for _, w := range words {
		if !Valid(w + Delimiter + strings.Repeat("a", TokenLength)) {
			t.Errorf("word %q yields invalid id", w)
		}
	}
}
