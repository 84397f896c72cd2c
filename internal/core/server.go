// Package core provides the HTTP chassis for the billing service. It creates
// a chi router and enforces cross-cutting concerns -- panic recovery, request
// correlation, logging, and error handling -- before requests reach the
// webhook and checkout handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aitextspeak/internal/config"
)

// defaultRequestTimeout is the soft deadline applied to every request
// context. Webhook handlers must finish well inside the gateway retry
// timeout, so this is deliberately short.
const defaultRequestTimeout = 25 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs. Webhook signature headers are included because they are
// derived from the shared secrets.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
	"Stripe-Signature",
	"Paypal-Transmission-Sig",
}

// Server encapsulates the router and its cross-cutting dependencies,
// allowing injection during testing and distinct configuration per
// environment.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the router and validates critical inputs. The caller
// mounts routes after construction via MountRoutes; the separation lets tests
// register only the handlers under test.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the health endpoint,
// and every provided route registrar. Registrars are supplied by the
// application entry point, which keeps core free of handler imports.
func (s *Server) MountRoutes(registrars ...func(chi.Router)) {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range registrars {
		registrar(s.router)
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer       - catches panics; outermost to catch all failures.
//  2. ContextTimeout  - soft deadline on every request.
//  3. RequestID       - generates/propagates the correlation ID.
//  4. SecurityHeaders - present on all responses including errors.
//  5. RequestLogger   - structured logging with redacted headers.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
}
