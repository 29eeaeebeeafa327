// Package core provides the HTTP chassis for the planforge API: a chi router
// with the cross-cutting middleware (panic recovery, request ids, logging,
// CORS, metrics, admin key checks) and the JSON response helpers handlers use.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"planforge/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler group on a router.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies and the router. Entry points fill the
// registrar slices before calling MountRoutes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	HealthProbes []HealthProbe

	// PublicRouteRegistrars mount at the root (provider webhooks).
	PublicRouteRegistrars []RouteRegistrar
	// V1RouteRegistrars mount under /v1.
	V1RouteRegistrars []RouteRegistrar
	// AdminRouteRegistrars mount under /admin behind the admin key.
	AdminRouteRegistrars []RouteRegistrar

	// OnShutdown runs in order during Shutdown.
	OnShutdown []func()

	router *chi.Mux
}

// NewServer creates a Server. It fails fast on missing dependencies.
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
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, fn := range s.OnShutdown {
		fn()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
