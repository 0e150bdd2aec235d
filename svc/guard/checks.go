package guard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/pkg/ident"
	"vanish/svc/auth"
	"vanish/svc/lim"
	"vanish/svc/util"
)

const maxAccessBody = 4 * 1024

// Prober is the read-only existence check of the secret store.
type Prober interface {
	Exists(ctx context.Context, id string) (*domain.Probe, error)
}

// SettingsSource yields the current runtime settings.
type SettingsSource interface {
	Get() cfg.Settings
}

type Guard struct {
	ips      *IPResolver
	limiter  *lim.Limiter
	hasher   *util.IPHasher
	tokens   *auth.Tokens
	secrets  Prober
	settings SettingsSource
	rl       cfg.RateLimitCfg
}

type Deps struct {
	IPs      *IPResolver
	Limiter  *lim.Limiter
	Hasher   *util.IPHasher
	Tokens   *auth.Tokens
	Secrets  Prober
	Settings SettingsSource
	Rate     cfg.RateLimitCfg
}

func New(d Deps) *Guard {
	return &Guard{
		ips:      d.IPs,
		limiter:  d.Limiter,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		secrets:  d.Secrets,
		settings: d.Settings,
		rl:       d.Rate,
	}
}
func (g *Guard) ClientIP(r *http.Request) string {
	return g.ips.ClientIP(r)
}

// ResolveIP pins the client address on the request for later checks.
func (g *Guard) ResolveIP(r *http.Request) (*http.Request, error) {
	return with(r, ipKey, g.ips.resolve(r)), nil
}

// ValidID rejects malformed ids before any storage lookup.
func (g *Guard) ValidID(r *http.Request) (*http.Request, error) {
	if !ident.Valid(chi.URLParam(r, "id")) {
		return r, domain.ErrInvalidID
	}
	return r, nil
}

// ReadOnly blocks writes while the instance is in read-only mode.
func (g *Guard) ReadOnly(r *http.Request) (*http.Request, error) {
	if g.settings.Get().ReadOnly {
		return r, domain.ErrReadOnly
	}
	return r, nil
}

// Identify attaches the bearer token caller, or the anonymous caller when
// no token is sent. A token that is present but invalid is rejected.
func (g *Guard) Identify(r *http.Request) (*http.Request, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return with(r, callerKey, auth.Caller{}), nil
	}
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || g.tokens == nil {
		return r, domain.ErrInvalidToken
	}
	c, err := g.tokens.Parse(strings.TrimSpace(tok))
	if err != nil {
		return r, err
	}
	return with(r, callerKey, c), nil
}

// RequireCreator enforces requireAuthForCreate.
func (g *Guard) RequireCreator(r *http.Request) (*http.Request, error) {
	if g.settings.Get().RequireAuthForCreate && CallerFrom(r.Context()).Username == "" {
		return r, domain.ErrAuthRequired
	}
	return r, nil
}

// PublicEnabled rejects public listing when the gallery is disabled.
func (g *Guard) PublicEnabled(r *http.Request) (*http.Request, error) {
	if !g.settings.Get().AllowPublicSecrets {
		return r, domain.ErrPublicDisabled
	}
	return r, nil
}

// RateLimit counts the request against the per-client quota of scope.
func (g *Guard) RateLimit(scope string) Check {
	return func(r *http.Request) (*http.Request, error) {
		return g.limit(r, scope, g.clientKey(r), g.rl.Requests)
	}
}

// LimitPasswordAttempts bounds reads of a password protected secret per
// client and id. Unprotected secrets are not counted.
func (g *Guard) LimitPasswordAttempts(r *http.Request) (*http.Request, error) {
	p := ProbeFrom(r.Context())
	if p == nil || !p.RequiresPassword {
		return r, nil
	}
	return g.limit(r, "password", g.clientKey(r)+":"+p.ID, g.rl.PasswordAttempts)
}
func (g *Guard) limit(r *http.Request, scope, subject string, limit int) (*http.Request, error) {
	res := g.limiter.Allow(r.Context(), scope+":"+subject, limit, g.rl.Window)
	r = with(r, rateKey, &res)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(scope).Inc()
		util.Warn().
			Str("ip", util.RedactIP(g.ClientIP(r))).
			Str("scope", scope).
			Msg("rate limit exceeded")
		return r, &domain.RateLimitError{Limit: res.Limit, Reset: res.Reset}
	}
	return r, nil
}
func (g *Guard) clientKey(r *http.Request) string {
	ip := g.ClientIP(r)
	if g.hasher == nil {
		return ip
	}
	h, err := g.hasher.HashIP(ip)
	if err != nil {
		util.Warn().Err(err).Msg("ip hasher unavailable, keying limiter on raw address")
		return ip
	}
	return h
}

// DecodeAccess reads the optional {password} body of a read request.
func (g *Guard) DecodeAccess(r *http.Request) (*http.Request, error) {
	var a Access
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxAccessBody))
		if err := dec.Decode(&a); err != nil && !errors.Is(err, io.EOF) {
			return r, domain.ErrInvalidRequest
		}
	}
	if a.Password == "" {
		a.Password = r.Header.Get("X-Secret-Password")
	}
	return with(r, accessKey, a), nil
}

// LoadProbe runs the non-consuming existence check and keeps the result.
func (g *Guard) LoadProbe(r *http.Request) (*http.Request, error) {
	p, err := g.secrets.Exists(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return r, err
	}
	return with(r, probeKey, p), nil
}

// AllowIP enforces the secret's allowedIp restriction.
func (g *Guard) AllowIP(r *http.Request) (*http.Request, error) {
	p := ProbeFrom(r.Context())
	if p == nil || p.AllowedIP == "" {
		return r, nil
	}
	client := g.ClientIP(r)
	if IPAllowed(p.AllowedIP, client) {
		return r, nil
	}
	if g.settings.Get().LocalhostBypass && IPAllowed("localhost", client) {
		return r, nil
	}
	util.Warn().
		Str("id", util.RedactID(p.ID)).
		Str("ip", util.RedactIP(client)).
		Msg("client address not allowed")
	return r, domain.ErrIPNotAllowed
}

// RequirePassword rejects a read that carries no password for a secret
// that needs one. Verifying the password is the store's job.
func (g *Guard) RequirePassword(r *http.Request) (*http.Request, error) {
	p := ProbeFrom(r.Context())
	if p != nil && p.RequiresPassword && AccessFrom(r.Context()).Password == "" {
		return r, domain.ErrPasswordRequired
	}
	return r, nil
}

