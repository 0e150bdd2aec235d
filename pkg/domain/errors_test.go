package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStatusUnwrapsWrappedErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{errors.Wrap(ErrWrongPassword, "consume"), http.StatusUnauthorized},
		{errors.Wrap(errors.Wrap(ErrInvalidID, "a"), "b"), http.StatusForbidden},
		{ErrIDExhausted, http.StatusConflict},
		{ErrSecretTooLarge, http.StatusRequestEntityTooLarge},
		{&RateLimitError{Limit: 5, Reset: time.Now()}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestToRespHidesInternalErrors(t *testing.T) {
	resp := ToResp(errors.New("sql: connection refused"))
	if resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %s, want INTERNAL_ERROR", resp.Error.Code)
	}
	if resp.Error.Msg != "internal error" {
		t.Errorf("message leaked: %s", resp.Error.Msg)
	}
}

func TestRateLimitErrorMeta(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	err := errors.Wrap(&RateLimitError{Limit: 10, Reset: reset}, "guard")
	resp := ToResp(err)
	if resp.Error.Code != ErrRateLimited.Code {
		t.Fatalf("code = %s", resp.Error.Code)
	}
	if resp.Error.Meta["reset"] != reset.Unix() {
		t.Errorf("reset meta = %v, want %d", resp.Error.Meta["reset"], reset.Unix())
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
	if !Retryable(err) {
		t.Error("rate limit errors are retryable")
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Now()
	e := &RateLimitError{Reset: now.Add(1500 * time.Millisecond)}
	if got := e.RetryAfter(now); got != 2 {
		t.Errorf("RetryAfter = %d, want 2", got)
	}
	e = &RateLimitError{Reset: now.Add(-time.Second)}
	if got := e.RetryAfter(now); got != 1 {
		t.Errorf("RetryAfter for past reset = %d, want 1", got)
	}
}
