// Package server provides the HTTP API for patmaster.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/auth"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/keyword"
	"github.com/hyperjump/patmaster/internal/pipeline"
	"github.com/hyperjump/patmaster/internal/storage"
)

// Dependency is an upstream service checked by /health.
type Dependency interface {
	Enabled() bool
	Ping(ctx context.Context) error
}

// QueueStatter reports extraction queue counters.
type QueueStatter interface {
	Stats() pipeline.QueueStats
}

// Deps are the components the API is built on. Parser, Vision and Queue may be nil.
type Deps struct {
	Store     storage.Storage
	Files     *storage.FileStore
	Auth      *auth.Service
	Documents *pipeline.Service
	Search    keyword.Index
	Queue     QueueStatter
	Parser    Dependency
	Vision    Dependency
	Config    config.ServerConfig
	Storage   config.StorageConfig
	Version   string
	Logger    *zap.Logger
}

// Server is the HTTP server for the patmaster API.
type Server struct {
	Deps
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Deps: d, logger: logger}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	timeout := s.Config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.Auth.Middleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			r.Route("/projects", func(r chi.Router) {
				r.Post("/", s.handleCreateProject)
				r.Get("/", s.handleListProjects)
				r.Route("/{project_id}", func(r chi.Router) {
					r.Get("/", s.handleGetProject)
					r.Put("/", s.handleUpdateProject)
					r.Delete("/", s.handleDeleteProject)
					r.Post("/upload/{kind}", s.handleUpload)
					r.Route("/documents/{document_id}", func(r chi.Router) {
						r.Get("/", s.handleGetDocument)
						r.Delete("/", s.handleDeleteDocument)
						r.Post("/extract", s.handleReextract)
						r.Get("/images/{image_id}", s.handleImage)
						r.Get("/tables.xlsx", s.handleTablesXLSX)
					})
				})
			})

			r.Get("/search", s.handleSearch)
			r.Get("/{tenant}/{session}/status", s.handleSessionStatus)
		})
	})
	return r
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
