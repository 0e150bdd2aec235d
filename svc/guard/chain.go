// Package guard gates HTTP requests before they reach the secret store.
// Each gate is a Check; routes compose them into an ordered Chain and the
// first rejection wins.
package guard

import (
	"context"
	"net/http"

	"vanish/pkg/domain"
	"vanish/svc/auth"
	"vanish/svc/lim"
)

// Check inspects a request and either rejects it or returns the request,
// possibly carrying extra context for later checks and the handler.
type Check func(*http.Request) (*http.Request, error)

type Chain []Check

func (c Chain) Run(r *http.Request) (*http.Request, error) {
	for _, check := range c {
		var err error
		if r, err = check(r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// With returns a new chain with checks appended.
func (c Chain) With(checks ...Check) Chain {
	out := make(Chain, 0, len(c)+len(checks))
	out = append(out, c...)
	return append(out, checks...)
}

type ctxKey int

const (
	callerKey ctxKey = iota
	probeKey
	accessKey
	rateKey
	ipKey
)

// Access holds what the reader supplied to unlock a secret.
type Access struct {
	Password string `json:"password,omitempty"`
}

func CallerFrom(ctx context.Context) auth.Caller {
	c, _ := ctx.Value(callerKey).(auth.Caller)
	return c
}
func ProbeFrom(ctx context.Context) *domain.Probe {
	p, _ := ctx.Value(probeKey).(*domain.Probe)
	return p
}
func AccessFrom(ctx context.Context) Access {
	a, _ := ctx.Value(accessKey).(Access)
	return a
}

// RateFrom returns the most recent quota decision, if any check made one.
func RateFrom(ctx context.Context) *lim.Result {
	res, _ := ctx.Value(rateKey).(*lim.Result)
	return res
}
func with(r *http.Request, k ctxKey, v interface{}) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), k, v))
}
