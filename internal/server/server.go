// Package server provides the HTTP server for the Threadline API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/threadline-ai/threadline/internal/archive"
	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/logging"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/resilience"
	"github.com/threadline-ai/threadline/internal/transport"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE streams stay open
	}
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	registry  *registry.Registry
	broadcast *broadcast.Router
	monitor   *resilience.Monitor
	gate      *auth.Gatekeeper
	bus       *broadcast.Bus
	ws        *transport.Handler
	archive   *archive.Archive
	log       zerolog.Logger
}

// New creates a new Server instance.
func New(cfg *Config, reg *registry.Registry, br *broadcast.Router, mon *resilience.Monitor, gate *auth.Gatekeeper, bus *broadcast.Bus, ws *transport.Handler) *Server {
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		registry:  reg,
		broadcast: br,
		monitor:   mon,
		gate:      gate,
		bus:       bus,
		ws:        ws,
		log:       logging.Component("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// SetArchive enables persistence of completed scenario reports. Must be
// called before the server starts serving requests.
func (s *Server) SetArchive(a *archive.Archive) {
	s.archive = a
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
