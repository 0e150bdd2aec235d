package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanish/cfg"
	"vanish/svc/auth"
	"vanish/svc/db"
	"vanish/svc/files"
	"vanish/svc/guard"
	"vanish/svc/lim"
	"vanish/svc/svc"
	"vanish/svc/util"
)

const (
	testPepper    = "0123456789abcdef0123456789abcdef"
	testJWTSecret = "jwt-secret-jwt-secret-jwt-secret!"
	proxyAddr     = "192.0.2.1:4711"
)

type harness struct {
	srv      *Server
	settings *cfg.SettingsStore
	tokens   *auth.Tokens
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		ContextTimeout:  5 * time.Second,
		RateLimit:       cfg.RateLimitCfg{Requests: 1000, Window: time.Minute, PasswordAttempts: 100},
		Limits:          cfg.LimitsCfg{MaxSecretSize: 1024, MaxTitleSize: 256, MaxFiles: 2, MaxFileSize: 1024},
		TrustedProxies:  []string{"192.0.2.1"},
		ClientIPHeaders: []string{"X-Forwarded-For"},
	}
}

func newHarness(t *testing.T, c *cfg.Cfg) *harness {
	t.Helper()
	ctx := context.Background()
	o := db.DefaultOptions()
	o.ResponseFloor = 0
	repo, err := db.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"), o)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	hasher, err := auth.NewHasher(1, 1024, 1, []byte(testPepper), auth.WithMinVerifyDuration(0))
	require.NoError(t, err)
	require.NoError(t, hasher.Start(2))
	t.Cleanup(hasher.Stop)

	disk, err := files.NewDisk(t.TempDir())
	require.NoError(t, err)
	settings := cfg.StaticSettings(cfg.DefaultSettings())
	secrets := svc.NewSecrets(repo, hasher, settings, svc.WithFiles(disk))

	ips, err := guard.NewIPResolver(c.TrustedProxies, c.ClientIPHeaders)
	require.NoError(t, err)
	limiter := lim.New(nil)
	t.Cleanup(limiter.Stop)
	ipHasher, err := util.NewIPHasher([]byte(testPepper), time.Hour)
	require.NoError(t, err)
	t.Cleanup(ipHasher.Stop)
	tokens, err := auth.NewTokens([]byte(testJWTSecret))
	require.NoError(t, err)

	g := guard.New(guard.Deps{
		IPs:      ips,
		Limiter:  limiter,
		Hasher:   ipHasher,
		Tokens:   tokens,
		Secrets:  secrets,
		Settings: settings,
		Rate:     c.RateLimit,
	})
	srv := NewServer(Deps{
		Cfg:      c,
		Secrets:  secrets,
		Guard:    g,
		Limiter:  limiter,
		Settings: settings,
		Repo:     repo,
	})
	return &harness{srv: srv, settings: settings, tokens: tokens}
}

type reqOpt func(*http.Request)

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-Forwarded-For", ip) }
}
func bearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}
func contentType(ct string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Content-Type", ct) }
}

func (h *harness) do(method, path, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = proxyAddr
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) create(t *testing.T, body string, opts ...reqOpt) string {
	t.Helper()
	rec := h.do(http.MethodPost, "/secret", body, opts...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.NotEmpty(t, body.RequestID)
	return body.Code
}

func TestReadOnceThenGone(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","ttl":3600,"maxViews":1}`)

	rec := h.do(http.MethodGet, "/secret/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ConsumeResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "aGVsbG8=", got.Secret)
	assert.Equal(t, 0, got.ViewsLeft)

	rec = h.do(http.MethodGet, "/secret/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SECRET_NOT_FOUND", errCode(t, rec))

	rec = h.do(http.MethodGet, "/secret/"+id+"/exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWrongPasswordKeepsView(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","ttl":3600,"password":"pw"}`)

	rec := h.do(http.MethodGet, "/secret/"+id+"/exist", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "PASSWORD_REQUIRED", errCode(t, rec))

	rec = h.do(http.MethodGet, "/secret/"+id, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "PASSWORD_REQUIRED", errCode(t, rec))

	rec = h.do(http.MethodPost, "/secret/"+id, `{"password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "WRONG_PASSWORD", errCode(t, rec))

	rec = h.do(http.MethodPost, "/secret/"+id, `{"password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/secret/"+id, `{"password":"pw"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPasswordHeader(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","password":"pw"}`)
	rec := h.do(http.MethodGet, "/secret/"+id, "", func(r *http.Request) {
		r.Header.Set("X-Secret-Password", "pw")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedIPGating(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","allowedIp":"10.0.0.0/24"}`)

	rec := h.do(http.MethodGet, "/secret/"+id, "", fromIP("10.0.1.5"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "IP_NOT_ALLOWED", errCode(t, rec))

	rec = h.do(http.MethodGet, "/secret/"+id, "", fromIP("10.0.0.5"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSpoofedForwardedForIgnored(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","allowedIp":"10.0.0.5"}`)
	rec := h.do(http.MethodGet, "/secret/"+id, "", fromIP("10.0.0.5"), func(r *http.Request) {
		r.RemoteAddr = "203.0.113.9:5000"
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMalformedID(t *testing.T) {
	h := newHarness(t, testCfg())
	for _, path := range []string{"/secret/nope", "/secret/nope/exist"} {
		rec := h.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "INVALID_ID", errCode(t, rec))
	}
	rec := h.do(http.MethodPost, "/secret/nope/burn", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBurn(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","maxViews":5}`)

	rec := h.do(http.MethodGet, "/secret/"+id+"/exist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var probe ExistResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probe))
	assert.Equal(t, ExistResp{ID: id, MaxViews: 5}, probe)

	for _, want := range []bool{true, false} {
		rec = h.do(http.MethodPost, "/secret/"+id+"/burn", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var res map[string]bool
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, want, res["success"])
	}
	rec = h.do(http.MethodGet, "/secret/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreventBurnFloor(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","maxViews":1,"preventBurn":true}`)
	for i := 0; i < 3; i++ {
		rec := h.do(http.MethodGet, "/secret/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got ConsumeResp
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.PreventBurn)
		assert.Equal(t, 1, got.ViewsLeft)
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	h := newHarness(t, testCfg())
	id := h.create(t, `{"text":"aGVsbG8=","title":"dGl0bGU=","files":[{"name":"a.txt","content":"QUJD"}]}`)
	rec := h.do(http.MethodGet, "/secret/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ConsumeResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dGl0bGU=", got.Title)
	assert.Equal(t, []FileReq{{Name: "a.txt", Content: "QUJD"}}, got.Files)
}

func TestCreateRejections(t *testing.T) {
	h := newHarness(t, testCfg())
	admin, err := h.tokens.Issue(auth.Caller{Username: "root", Admin: true}, time.Hour)
	require.NoError(t, err)
	user, err := h.tokens.Issue(auth.Caller{Username: "alice"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		opts   []reqOpt
		status int
		code   string
	}{
		{"missing text", `{"ttl":300}`, nil, 400, "CONTENT_REQUIRED"},
		{"not base64", `{"text":"hello world"}`, nil, 400, "INVALID_CIPHERTEXT"},
		{"odd ttl", `{"text":"aGk=","ttl":42}`, nil, 400, "INVALID_TTL"},
		{"long ttl anonymous", `{"text":"aGk=","ttl":1209600}`, nil, 403, "TTL_NOT_ALLOWED"},
		{"never expire user", `{"text":"aGk=","ttl":0}`, []reqOpt{bearer(user)}, 403, "TTL_NOT_ALLOWED"},
		{"zero views", `{"text":"aGk=","maxViews":0}`, nil, 400, "INVALID_MAX_VIEWS"},
		{"too many views", `{"text":"aGk=","maxViews":1000}`, nil, 400, "INVALID_MAX_VIEWS"},
		{"bad cidr", `{"text":"aGk=","allowedIp":"10.0.0.0/99"}`, nil, 400, "INVALID_ALLOWED_IP"},
		{"unknown field", `{"text":"aGk=","views":3}`, nil, 400, "INVALID_REQUEST"},
		{"too many files", `{"text":"aGk=","files":[{"name":"a","content":"QQ=="},{"name":"b","content":"QQ=="},{"name":"c","content":"QQ=="}]}`, nil, 400, "TOO_MANY_FILES"},
		{"oversized", `{"text":"` + strings.Repeat("QUFB", 300) + `"}`, nil, 413, "SECRET_TOO_LARGE"},
		{"oversized title", `{"text":"aGk=","title":"` + strings.Repeat("QUFB", 100) + `"}`, nil, 413, "TITLE_TOO_LARGE"},
		{"bad token", `{"text":"aGk="}`, []reqOpt{bearer("garbage")}, 401, "INVALID_TOKEN"},
		{"plain text body", `{"text":"aGk="}`, []reqOpt{contentType("text/plain")}, 415, "UNSUPPORTED_MEDIA_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/secret", tt.body, tt.opts...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errCode(t, rec))
		})
	}

	h.create(t, `{"text":"aGk=","ttl":1209600}`, bearer(user))
	h.create(t, `{"text":"aGk=","ttl":0}`, bearer(admin))
}

func TestOversizedBodyRejectedEarly(t *testing.T) {
	h := newHarness(t, testCfg())
	body := `{"text":"` + strings.Repeat("A", 200*1024) + `"}`
	rec := h.do(http.MethodPost, "/secret", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSettingsApplyWithoutRestart(t *testing.T) {
	h := newHarness(t, testCfg())
	s := cfg.DefaultSettings()
	s.ReadOnly = true
	h.settings.Set(s)
	rec := h.do(http.MethodPost, "/secret", `{"text":"aGk="}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "READ_ONLY", errCode(t, rec))

	s = cfg.DefaultSettings()
	s.RequireAuthForCreate = true
	h.settings.Set(s)
	rec = h.do(http.MethodPost, "/secret", `{"text":"aGk="}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTH_REQUIRED", errCode(t, rec))
}

func TestCreateRateLimited(t *testing.T) {
	c := testCfg()
	c.RateLimit.Requests = 2
	h := newHarness(t, c)
	h.create(t, `{"text":"aGk="}`)
	h.create(t, `{"text":"aGk="}`)

	rec := h.do(http.MethodPost, "/secret", `{"text":"aGk="}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	rec = h.do(http.MethodPost, "/secret", `{"text":"aGk="}`, fromIP("198.51.100.7"))
	assert.Equal(t, http.StatusCreated, rec.Code, "quota is per client")
}

func TestPasswordAttemptsLimited(t *testing.T) {
	c := testCfg()
	c.RateLimit.PasswordAttempts = 2
	h := newHarness(t, c)
	id := h.create(t, `{"text":"aGk=","password":"pw"}`)
	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodPost, "/secret/"+id, `{"password":"guess"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := h.do(http.MethodPost, "/secret/"+id, `{"password":"pw"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPublicListing(t *testing.T) {
	h := newHarness(t, testCfg())
	alice, err := h.tokens.Issue(auth.Caller{Username: "alice"}, time.Hour)
	require.NoError(t, err)
	id := h.create(t, `{"text":"aGk=","title":"dA==","isPublic":true}`, bearer(alice))
	h.create(t, `{"text":"aGk="}`, bearer(alice))

	for _, path := range []string{"/secret/public", "/secret/public/alice"} {
		rec := h.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []PublicSecret
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list, 1, path)
		assert.Equal(t, id, list[0].ID)
		assert.Equal(t, "alice", list[0].Username)
		assert.NotContains(t, rec.Body.String(), "aGk=")
	}
	rec := h.do(http.MethodGet, "/secret/public/bob", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	s := cfg.DefaultSettings()
	s.AllowPublicSecrets = false
	h.settings.Set(s)
	rec = h.do(http.MethodGet, "/secret/public", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, testCfg())
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, "up", ready.Database)
	assert.Equal(t, "unavailable", ready.Cache)
	assert.False(t, ready.ReadOnly)
}

func TestRequestIDAndHeaders(t *testing.T) {
	h := newHarness(t, testCfg())
	const rid = "5f0c6a43-3b1e-4d0a-9c55-2a1f0d3c9e11"
	rec := h.do(http.MethodGet, "/secret/nope", "", func(r *http.Request) {
		r.Header.Set("X-Request-ID", rid)
	})
	assert.Equal(t, rid, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = h.do(http.MethodGet, "/secret/nope", "", func(r *http.Request) {
		r.Header.Set("X-Request-ID", "injected\nline")
	})
	assert.NotEqual(t, "injected\nline", rec.Header().Get("X-Request-ID"))
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	h := newHarness(t, c)
	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodGet, "/metrics", "", func(r *http.Request) { r.SetBasicAuth("prom", "scrape") })
	assert.Equal(t, http.StatusOK, rec.Code)
}
