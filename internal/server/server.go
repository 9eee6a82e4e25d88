// Package server exposes the authenticated JSON HTTP API: chat exchanges,
// transcript history, session management and agent administration.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"agenthub/internal/crypto"
	"agenthub/internal/guard"
	"agenthub/internal/metrics"
	"agenthub/internal/session"
	"agenthub/internal/storage"
)

type Server struct {
	store      storage.Store
	controller *session.Controller
	crypto     *crypto.Manager
	limiter    *guard.RateLimiter
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	jwtSecret  string
}

type Config struct {
	Store       storage.Store
	Controller  *session.Controller
	Crypto      *crypto.Manager
	RateLimiter *guard.RateLimiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	JWTSecret   string
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		store:      cfg.Store,
		controller: cfg.Controller,
		crypto:     cfg.Crypto,
		limiter:    cfg.RateLimiter,
		logger:     cfg.Logger,
		metrics:    m,
		jwtSecret:  cfg.JWTSecret,
	}
}

// Handler builds the API routes. Health and metrics are registered by main
// on the same mux, outside the auth boundary.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agents/{id}/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /api/agents/{id}/chat/retry", s.requireAuth(s.handleRetry))
	mux.HandleFunc("GET /api/agents/{id}/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("DELETE /api/agents/messages/{id}", s.requireAuth(s.handleDeleteMessage))

	mux.HandleFunc("GET /api/agents/{id}/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("DELETE /api/agents/{id}/sessions", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("PUT /api/agents/{id}/sessions", s.requireAuth(s.handleRenameSession))

	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("PUT /api/agents/{id}", s.requireAuth(s.handleUpsertAgent))
	mux.HandleFunc("DELETE /api/agents/{id}", s.requireAuth(s.handleDeleteAgent))

	return withMiddleware(mux, s.logger)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
