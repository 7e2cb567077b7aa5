// Package api exposes the REST surface: status, statistics, limit
// management and reports.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/engine"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/stats"
	"github.com/jmaas/playwarden/internal/storage"
)

// Config holds server settings.
type Config struct {
	Addr string
	// Pin guards mutating endpoints via the X-Pin header. Empty
	// disables the check.
	Pin string
	// ArtworkDir, when set, is served under /artwork/.
	ArtworkDir string
}

// Server is the REST API server.
type Server struct {
	cfg    Config
	store  storage.Store
	engine *engine.Engine
	agg    *stats.Aggregator
	policy *policy.Engine
	server *http.Server
	logger zerolog.Logger
}

// NewServer builds the API server and its routes.
func NewServer(cfg Config, store storage.Store, eng *engine.Engine, agg *stats.Aggregator, pol *policy.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		engine: eng,
		agg:    agg,
		policy: pol,
		logger: logger.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/{device}", s.handleDeviceStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/users", s.handleUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/stats", s.handleUserStats).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/games", s.handleUserGames).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/history", s.handleUserHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/limit", s.handleGetLimit).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/limit", s.pinned(s.handleSetLimit)).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{user}/access", s.handleGetAccess).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/access", s.pinned(s.handleSetAccess)).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{user}/notifications", s.handleNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/data", s.pinned(s.handleDeleteUserData)).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/active", s.handleActiveSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/shutdowns", s.handleShutdowns).Methods(http.MethodGet)
	r.HandleFunc("/api/standby/{device}", s.pinned(s.handleStandby)).Methods(http.MethodPost)
	r.HandleFunc("/api/report", s.handleReport).Methods(http.MethodGet)
	if cfg.ArtworkDir != "" {
		r.PathPrefix("/artwork/").Handler(
			http.StripPrefix("/artwork/", http.FileServer(http.Dir(cfg.ArtworkDir))))
	}

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting API server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// pinned rejects mutating requests without the correct X-Pin header.
func (s *Server) pinned(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Pin != "" && r.Header.Get("X-Pin") != s.cfg.Pin {
			s.writeError(w, http.StatusForbidden, "invalid pin")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
