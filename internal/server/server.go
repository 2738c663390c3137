// Package server provides the HTTP API for the secure search service.
//
// All bodies are JSON; binary fields (ciphertexts, planes) travel base64
// encoded. Every endpoint except /health requires bearer-token auth. The
// server never sees plaintext vectors or similarities: it stores ciphertexts,
// joins LSH postings, and computes encrypted scores it cannot read.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/config"
	"github.com/opaque/securesearch/internal/engine"
	"github.com/opaque/securesearch/internal/registry"
	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/hecodec"
)

// Server is the HTTP server for the secure search API.
type Server struct {
	registry *registry.Registry
	engine   *engine.Engine
	store    *store.Store
	cfg      *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// New creates a server with the given dependencies.
func New(reg *registry.Registry, eng *engine.Engine, st *store.Store, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		registry: reg,
		engine:   eng,
		store:    st,
		cfg:      cfg,
		logger:   logger,
	}
}

// Router builds the chi router. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/initialize", s.handleInitialize)
	r.Post("/add_embedding", s.handleAddEmbedding)
	r.Post("/search", s.handleSearch)
	r.Get("/stats/{clientID}", s.handleStats)
	r.Delete("/embeddings/{embeddingID}", s.handleDeleteEmbedding)
	r.Get("/lsh/debug/{clientID}", s.handleLSHDebug)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.RequestTimeout,
		WriteTimeout: 2 * s.cfg.Server.RequestTimeout,
	}
	s.logger.Info("starting server", zap.String("addr", s.cfg.Server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps domain errors to HTTP statuses and error kinds.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnauthenticated):
		kind, status = "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		kind, status = "not_found", http.StatusNotFound
	case errors.Is(err, registry.ErrConfigConflict):
		kind, status = "config_conflict", http.StatusConflict
	case errors.Is(err, store.ErrDuplicateExternalID):
		kind, status = "duplicate_external_id", http.StatusConflict
	case errors.Is(err, store.ErrQuotaExceeded):
		kind, status = "quota_exceeded", http.StatusRequestEntityTooLarge
	case errors.Is(err, hecodec.ErrCorruptCiphertext):
		kind, status = "corrupt_ciphertext", http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidParams):
		kind, status = "invalid_request", http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		kind, status = "timeout", http.StatusGatewayTimeout
	}

	if status >= 500 {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.respondJSON(w, status, errorResponse{Error: kind, Detail: err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) badRequest(w http.ResponseWriter, detail string) {
	s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: detail})
}
