package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"vanish/cfg"
	"vanish/svc/db"
	"vanish/svc/guard"
	"vanish/svc/lim"
	"vanish/svc/svc"
	"vanish/svc/util"
)

// Deps are the collaborators the HTTP surface is built from. Cache is
// optional and only reported by /ready.
type Deps struct {
	Cfg      *cfg.Cfg
	Secrets  *svc.Secrets
	Guard    *guard.Guard
	Limiter  *lim.Limiter
	Settings guard.SettingsSource
	Repo     db.Repo
	Cache    func(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	repo       db.Repo
	cache      func(ctx context.Context) error
	settings   guard.SettingsSource
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	c := d.Cfg
	s := &Server{cfg: c, repo: d.Repo, cache: d.Cache, settings: d.Settings}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		r.Use(mw.Instrument)

		g := d.Guard
		h := &Hdl{secrets: d.Secrets, cfg: c, settings: d.Settings}
		create := guard.Chain{g.ResolveIP, g.Identify, g.ReadOnly, g.RequireCreator, g.RateLimit("create")}
		read := guard.Chain{g.ResolveIP, g.ValidID, g.DecodeAccess, g.LoadProbe, g.AllowIP, g.RequirePassword, g.LimitPasswordAttempts}
		exist := guard.Chain{g.ResolveIP, g.ValidID, g.LoadProbe, g.AllowIP, g.RequirePassword}
		burn := guard.Chain{g.ResolveIP, g.ValidID, g.RateLimit("burn")}
		public := guard.Chain{g.ResolveIP, g.PublicEnabled}

		r.With(mw.RequireJSON).Post("/secret", guarded(create, h.CreateSecret))
		r.Get("/secret/public", guarded(public, h.ListPublic))
		r.Get("/secret/public/{username}", guarded(public, h.ListPublic))
		r.Get("/secret/{id}", guarded(read, h.ConsumeSecret))
		r.With(mw.RequireJSON).Post("/secret/{id}", guarded(read, h.ConsumeSecret))
		r.Post("/secret/{id}/burn", guarded(burn, h.BurnSecret))
		r.Get("/secret/{id}/exist", guarded(exist, h.SecretExists))
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
