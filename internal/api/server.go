// Package api implements raopd's control-plane HTTP server: session
// create/teardown/volume/mute/flush, stats, health, and metrics, mounted
// on a chi router with the teacher's middleware stack.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raopd/raopd/internal/api/middleware"
	"github.com/raopd/raopd/internal/authstore"
	"github.com/raopd/raopd/internal/config"
	"github.com/raopd/raopd/internal/session"
	"github.com/raopd/raopd/internal/volumestore"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	manager   *session.Manager
	volumes   *volumestore.Store
	auth      *authstore.Store
	startTime time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, manager *session.Manager, volumes *volumestore.Store, auth *authstore.Store, startTime time.Time) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		manager:   manager,
		volumes:   volumes,
		auth:      auth,
		startTime: startTime,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))

	generalLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	authLimiter := middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig())

	jwtSecret, err := s.cfg.JWTSecretBytes()
	if err != nil {
		// Load already validated this; a failure here means the config
		// changed out from under the process, which should not happen.
		slog.Error("api: jwt secret unavailable", "error", err)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(generalLimiter))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(authLimiter))
			r.Post("/auth/login", s.handleLogin)
		})

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(jwtSecret))
			r.Post("/sessions", s.handleCreateSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Post("/sessions/{id}/volume", s.handleSetVolume)
			r.Post("/sessions/{id}/mute", s.handleSetMute)
			r.Post("/sessions/{id}/flush", s.handleFlush)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealthz reports liveness. Unauthenticated so orchestration probes
// don't need a credential.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"active_sessions": s.manager.Count(),
	})
}

// handleLogin exchanges the bootstrap admin bearer token for a short-lived
// control-plane session JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ok, err := s.auth.Verify(r.Context(), req.Token)
	if err != nil {
		slog.Error("login: verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	jwtSecret, err := s.cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("login: jwt secret unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := middleware.GenerateSessionToken(jwtSecret)
	if err != nil {
		slog.Error("login: failed to sign session token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
