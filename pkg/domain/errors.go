package domain

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidID         = NewErr("INVALID_ID", "invalid secret id", http.StatusForbidden)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "text required", http.StatusBadRequest)
	ErrInvalidCiphertext = NewErr("INVALID_CIPHERTEXT", "text and title must be base64 ciphertext", http.StatusBadRequest)
	ErrInvalidTTL        = NewErr("INVALID_TTL", "ttl is not an accepted value", http.StatusBadRequest)
	ErrInvalidMaxViews   = NewErr("INVALID_MAX_VIEWS", "maxViews must be between 1 and 999", http.StatusBadRequest)
	ErrInvalidAllowedIP  = NewErr("INVALID_ALLOWED_IP", "allowedIp must be an IP address or CIDR range", http.StatusBadRequest)
	ErrTooManyFiles      = NewErr("TOO_MANY_FILES", "too many files", http.StatusBadRequest)
	ErrSecretTooLarge    = NewErr("SECRET_TOO_LARGE", "secret too large", http.StatusRequestEntityTooLarge)
	ErrTitleTooLarge     = NewErr("TITLE_TOO_LARGE", "title too large", http.StatusRequestEntityTooLarge)
	ErrFileTooLarge      = NewErr("FILE_TOO_LARGE", "file too large", http.StatusRequestEntityTooLarge)

	ErrWrongPassword    = NewErr("WRONG_PASSWORD", "wrong password", http.StatusUnauthorized)
	ErrPasswordRequired = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrIPNotAllowed     = NewErr("IP_NOT_ALLOWED", "access from this address is not allowed", http.StatusForbidden)
	ErrTTLNotAllowed    = NewErr("TTL_NOT_ALLOWED", "ttl not allowed for this caller", http.StatusForbidden)
	ErrReadOnly         = NewErr("READ_ONLY", "instance is read-only", http.StatusForbidden)
	ErrAuthRequired     = NewErr("AUTH_REQUIRED", "authentication required", http.StatusUnauthorized)
	ErrInvalidToken     = NewErr("INVALID_TOKEN", "invalid token", http.StatusUnauthorized)
	ErrPublicDisabled   = NewErr("PUBLIC_DISABLED", "public secrets are disabled", http.StatusForbidden)
	ErrFilesDisabled    = NewErr("FILES_DISABLED", "file attachments are disabled", http.StatusForbidden)

	ErrNotFound    = NewErr("SECRET_NOT_FOUND", "secret not found", http.StatusNotFound)
	ErrIDExhausted = NewErr("ID_EXHAUSTED", "could not allocate a secret id, retry the request", http.StatusConflict)
	ErrRateLimited = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternal    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// RateLimitError carries the window reset so the transport can emit
// Retry-After and X-RateLimit-* headers.
type RateLimitError struct {
	Limit int
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, resets at %s", e.Limit, e.Reset.UTC().Format(time.RFC3339))
}
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
func (e *RateLimitError) RetryAfter(now time.Time) int {
	secs := int(e.Reset.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ErrResp{Error: ErrDetail{
			Code: ErrRateLimited.Code,
			Msg:  ErrRateLimited.Msg,
			Meta: map[string]interface{}{"limit": rl.Limit, "reset": rl.Reset.Unix()},
		}}
	}
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternal.Code, Msg: ErrInternal.Msg}}
}
func Status(err error) int {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrIDExhausted) || errors.Is(err, ErrRateLimited)
}
