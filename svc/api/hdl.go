package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"vanish/cfg"
	"vanish/pkg/domain"
	"vanish/svc/guard"
	"vanish/svc/lim"
	"vanish/svc/svc"
	"vanish/svc/util"
)

const (
	defaultTTL   = domain.TTL(86400)
	bodyOverhead = 64 * 1024
)

var errUnavailable = domain.NewErr("UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

type Hdl struct {
	secrets  *svc.Secrets
	cfg      *cfg.Cfg
	settings guard.SettingsSource
}

type FileReq struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
type CreateReq struct {
	Text        string    `json:"text"`
	Title       string    `json:"title,omitempty"`
	TTL         *int64    `json:"ttl,omitempty"`
	Password    string    `json:"password,omitempty"`
	AllowedIP   string    `json:"allowedIp,omitempty"`
	PreventBurn bool      `json:"preventBurn,omitempty"`
	MaxViews    *int      `json:"maxViews,omitempty"`
	IsPublic    bool      `json:"isPublic,omitempty"`
	Files       []FileReq `json:"files,omitempty"`
}
type CreateResp struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxViews  int       `json:"maxViews"`
}
type ConsumeResp struct {
	Secret      string    `json:"secret"`
	Title       string    `json:"title,omitempty"`
	Files       []FileReq `json:"files,omitempty"`
	PreventBurn bool      `json:"preventBurn,omitempty"`
	ViewsLeft   int       `json:"viewsLeft"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
type ExistResp struct {
	ID          string `json:"id"`
	MaxViews    int    `json:"maxViews"`
	PreventBurn bool   `json:"preventBurn"`
}
type PublicSecret struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Username  string    `json:"username,omitempty"`
	MaxViews  int       `json:"maxViews"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// guarded runs chain ahead of next. The first rejection is written as the
// response.
func guarded(chain guard.Chain, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r, err := chain.Run(r)
		setRateHeaders(w, guard.RateFrom(r.Context()))
		if err != nil {
			fail(w, r, err)
			return
		}
		next(w, r)
	}
}
func (h *Hdl) bodyLimit() int64 {
	l := h.cfg.Limits
	return l.MaxSecretSize + int64(l.MaxTitleSize) + int64(l.MaxFiles)*l.MaxFileSize + bodyOverhead
}
func (h *Hdl) CreateSecret(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	limit := h.bodyLimit()
	if r.ContentLength < 0 {
		log.Warn().Msg("missing Content-Length on POST")
		fail(w, r, domain.ErrInvalidRequest)
		return
	}
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		fail(w, r, domain.ErrSecretTooLarge)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		fail(w, r, domain.ErrInvalidRequest)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(w, r, domain.ErrSecretTooLarge)
			return
		}
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		fail(w, r, domain.ErrInvalidRequest)
		return
	}
	caller := guard.CallerFrom(r.Context())
	p := req.params(caller.Username)
	if err := guard.ValidateCreate(&p, caller, h.settings.Get(), h.cfg.Limits); err != nil {
		fail(w, r, err)
		return
	}
	sec, err := h.secrets.Create(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: sec.ID, ExpiresAt: sec.ExpiresAt, MaxViews: sec.MaxViews})
}
func (req *CreateReq) params(username string) domain.CreateParams {
	p := domain.CreateParams{
		Text:        req.Text,
		Title:       req.Title,
		TTL:         defaultTTL,
		Password:    req.Password,
		AllowedIP:   req.AllowedIP,
		PreventBurn: req.PreventBurn,
		MaxViews:    domain.MinViews,
		IsPublic:    req.IsPublic,
		Username:    username,
	}
	if req.TTL != nil {
		p.TTL = domain.TTL(*req.TTL)
	}
	if req.MaxViews != nil {
		p.MaxViews = *req.MaxViews
	}
	for _, f := range req.Files {
		p.Files = append(p.Files, domain.File{Name: f.Name, Data: []byte(f.Content)})
	}
	return p
}

// ConsumeSecret serves one view. GET and POST behave the same; POST lets the
// password travel in the body.
func (h *Hdl) ConsumeSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.secrets.Consume(r.Context(), id, guard.AccessFrom(r.Context()).Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := ConsumeResp{
		Secret:      string(c.Secret.Ciphertext),
		Title:       string(c.Secret.Title),
		PreventBurn: c.Secret.PreventBurn,
		ViewsLeft:   viewsLeft(c),
		ExpiresAt:   c.Secret.ExpiresAt,
	}
	for _, f := range c.Files {
		resp.Files = append(resp.Files, FileReq{Name: f.Name, Content: string(f.Data)})
	}
	json.NewEncoder(w).Encode(resp)
}
func viewsLeft(c *domain.Consumed) int {
	switch c.Outcome {
	case domain.OutcomeDecremented:
		return c.Secret.MaxViews - 1
	case domain.OutcomeFloor:
		return 1
	}
	return 0
}
func (h *Hdl) BurnSecret(w http.ResponseWriter, r *http.Request) {
	burned, err := h.secrets.Burn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"success": burned})
}
func (h *Hdl) SecretExists(w http.ResponseWriter, r *http.Request) {
	p := guard.ProbeFrom(r.Context())
	json.NewEncoder(w).Encode(ExistResp{ID: p.ID, MaxViews: p.MaxViews, PreventBurn: p.PreventBurn})
}
func (h *Hdl) ListPublic(w http.ResponseWriter, r *http.Request) {
	list, err := h.secrets.ListPublic(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]PublicSecret, 0, len(list))
	for _, s := range list {
		out = append(out, PublicSecret{
			ID:        s.ID,
			Title:     string(s.Title),
			Username:  s.Username,
			MaxViews:  s.MaxViews,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	json.NewEncoder(w).Encode(out)
}
func setRateHeaders(w http.ResponseWriter, res *lim.Result) {
	if res == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, svc.ErrShuttingDown) {
		err = errUnavailable
	}
	if st := domain.Status(err); st < 500 {
		hlog.FromRequest(r).Debug().Err(err).Int("status", st).Msg("request rejected")
	}
	writeErr(w, err, util.GetRequestID(r.Context()))
}

type errBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	detail := domain.ToResp(err).Error
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(time.Now())))
	}
	if statusCode >= 500 && statusCode != http.StatusServiceUnavailable {
		detail.Code, detail.Msg = domain.ErrInternal.Code, domain.ErrInternal.Msg
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errBody{Error: detail.Msg, Code: detail.Code, RequestID: requestID})
}
