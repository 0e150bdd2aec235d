package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vanish/svc/util"
)

const probeTimeout = 500 * time.Millisecond

type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports the state of each dependency. Database is the
// secret backend; Cache is the shared rate-limit store.
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Backend  string `json:"backend"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
	ReadOnly bool   `json:"readOnly"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func probe(ctx context.Context, name string, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		util.Error().Err(err).Str("dependency", name).Msg("readiness probe failed")
		return "down"
	}
	return "up"
}

// Ready fails only when the secret backend is unreachable. The limiter
// falls back to local buckets, so a down cache degrades.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Backend: s.cfg.StoreBackend, Cache: "unavailable"}
	resp.Database = probe(r.Context(), "database", s.repo.Ping)
	resp.Ready = resp.Database == "up"
	if s.cache != nil {
		resp.Cache = probe(r.Context(), "cache", s.cache)
	}
	resp.Degraded = !resp.Ready || resp.Cache == "down"
	if s.settings != nil {
		resp.ReadOnly = s.settings.Get().ReadOnly
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
