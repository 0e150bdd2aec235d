package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"vanish/pkg/domain"
)

var testJWTSecret = []byte(strings.Repeat("s", 32))

func TestTokensRoundTrip(t *testing.T) {
	tk, err := NewTokens(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := tk.Issue(Caller{Username: "alice", Admin: true}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := tk.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Username != "alice" || !c.Admin {
		t.Errorf("unexpected caller %+v", c)
	}
	if c.Privilege() != domain.Admin {
		t.Errorf("privilege = %v", c.Privilege())
	}
}

func TestTokensRejects(t *testing.T) {
	tk, _ := NewTokens(testJWTSecret)
	other, _ := NewTokens([]byte(strings.Repeat("o", 32)))
	foreign, _ := other.Issue(Caller{Username: "mallory"}, time.Hour)

	past, _ := NewTokens(testJWTSecret)
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := past.Issue(Caller{Username: "bob"}, time.Hour)

	for name, tok := range map[string]string{
		"garbage": "not.a.token",
		"foreign": foreign,
		"expired": expired,
		"empty":   "",
	} {
		if _, err := tk.Parse(tok); !errors.Is(err, domain.ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestCallerPrivilege(t *testing.T) {
	if (Caller{}).Privilege() != domain.Anonymous {
		t.Error("zero caller should be anonymous")
	}
	if (Caller{Username: "u"}).Privilege() != domain.Authenticated {
		t.Error("named caller should be authenticated")
	}
}

func TestNewTokensShortSecret(t *testing.T) {
	if _, err := NewTokens([]byte("short")); err == nil {
		t.Error("short secret accepted")
	}
	tk, _ := NewTokens(testJWTSecret)
	if _, err := tk.Issue(Caller{}, time.Hour); err == nil {
		t.Error("token issued without a username")
	}
}
