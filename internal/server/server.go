// Package server exposes the session orchestration layer over HTTP: session
// CRUD, turn streaming control, and an SSE event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/session"
)

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	EnableCORS  bool
	ReadTimeout time.Duration
	// WriteTimeout must stay zero; SSE connections are long-lived.
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        4897,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server over the session manager.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	manager *session.Manager
	bus     *event.Bus
}

// New creates a Server over an already-wired manager and bus.
func New(cfg *Config, manager *session.Manager, bus *event.Bus) *Server {
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		manager: manager,
		bus:     bus,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
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

// Router returns the chi router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
