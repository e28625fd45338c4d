// Package server exposes the bridge's HTTP surface: the Telegram webhook,
// the assistant hook notification endpoint, a health check and a local test
// entry point.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amimimor/claude-code-telegram-bot/internal/claude"
	"github.com/amimimor/claude-code-telegram-bot/internal/config"
	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/router"
)

// StateFunc reports the endpoint reconciler's current state for /health.
type StateFunc func() string

// Server is the bridge's HTTP server.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	registry *claude.Registry
	bus      *event.Bus
	state    StateFunc

	mux     *chi.Mux
	httpSrv *http.Server
}

// New creates a Server wired to the conversation router and registry.
func New(cfg *config.Config, rt *router.Router, registry *claude.Registry, bus *event.Bus, state StateFunc) *Server {
	s := &Server{
		cfg:      cfg,
		router:   rt,
		registry: registry,
		bus:      bus,
		state:    state,
		mux:      chi.NewRouter(),
	}

	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(middleware.RealIP)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Post(s.cfg.WebhookPath, s.handleWebhook)
	s.mux.Get("/health", s.handleHealth)
	s.mux.Post("/notify/{event}", s.handleNotify)
	s.mux.Post("/test", s.handleTest)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
