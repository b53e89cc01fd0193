// Package api exposes the dispatcher's read-only boundary: health, metrics,
// and a current-counts snapshot. Job submission is out of scope — queries
// reach the store through whatever system owns ingestion upstream of this
// process.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"queryprocessor/internal/config"
	"queryprocessor/internal/store"
	"queryprocessor/internal/telemetry"
)

// Server wires the status HTTP handlers.
type Server struct {
	cfg   config.Config
	store *store.Store
}

// New constructs the status API server.
func New(cfg config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CurrentCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
