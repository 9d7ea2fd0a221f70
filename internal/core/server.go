// Package core provides the HTTP chassis for the ingest API. It builds a chi
// router and enforces the cross-cutting concerns (panic recovery, request
// IDs, logging, metrics, ingest authentication) before requests reach the
// domain handlers registered through V1RouteRegistrars.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chimenotify/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one request. endpoint is
	// the chi route pattern, not the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the dependencies of the ingest API so tests can inject fakes.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	TokenVerifier TokenVerifier // nil disables ingest authentication
	HealthProbes  []HealthProbe

	// V1RouteRegistrars are populated by main to avoid an import cycle
	// between core and the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// OnShutdown hooks run in order during Shutdown.
	OnShutdown []func(context.Context) error

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. The caller mounts routes with MountRoutes after filling in the
// optional fields.
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
		Validator: NewValidator(logger, WithInsecureWebhooks(!cfg.Chime.RequireHTTPS)),
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

// Shutdown runs the registered shutdown hooks. Every hook runs even when an
// earlier one fails; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.OnShutdown {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
