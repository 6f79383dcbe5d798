// Package server assembles the corpusd HTTP server: router, middleware
// chain, health surface, and the resource/job API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/annolab/corpusd/internal/errors"
	"github.com/annolab/corpusd/internal/server/handlers"
	"github.com/annolab/corpusd/internal/server/middleware"
)

// Server wraps the HTTP listener and router.
type Server struct {
	host string
	port int

	router chi.Router
	httpd  *http.Server
	log    *zap.Logger
}

// Option customizes server construction.
type Option func(*Server)

// WithAPI mounts the resource and job API.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) {
		api.Routes(s.router)
	}
}

// WithLogger installs the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
			middleware.SetLogger(log)
		}
	}
}

// New builds a server with the health and version surface registered.
// Domain routes are added through options.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		router: chi.NewRouter(),
		log:    zap.NewNop(),
	}

	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)
	s.router.NotFound(apperrors.NotFoundHandler)
	s.router.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the host:port the server binds.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.httpd = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", zap.String("addr", s.Addr()))
	if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}
