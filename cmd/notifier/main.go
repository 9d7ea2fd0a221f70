// Package main is the entry point for the notifier ingest API.
//
// Build hosts POST build events to /v1/events. In synchronous mode the
// event is dispatched inline and the response reports the outcome per
// subscriber; when SQS_DISPATCH_QUEUE is set the event is enqueued for
// notify-worker and the API answers 202.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chimenotify/internal/api/handlers"
	"chimenotify/internal/app"
	"chimenotify/internal/config"
	"chimenotify/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("notifier starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"async", cfg.AsyncDispatch(),
		"preferences", cfg.Preferences.Source,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	comps, err := app.Build(ctx, cfg, logger, app.Options{})
	cancel()
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	srv, err := buildServer(cfg, logger, comps)
	if err != nil {
		_ = comps.Close(context.Background())
		return err
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer mounts the ingest routes on the core chassis. Shutdown of the
// returned server releases comps.
func buildServer(cfg *config.Config, logger *slog.Logger, comps *app.Components) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	if cfg.Security.IngestTokenHash.IsSet() {
		verifier, err := core.NewBcryptVerifier(cfg.Security.IngestTokenHash)
		if err != nil {
			return nil, fmt.Errorf("ingest token: %w", err)
		}
		srv.TokenVerifier = verifier
	} else {
		logger.Warn("ingest authentication disabled: INGEST_TOKEN_HASH is not set")
	}

	if comps.CloudWatch != nil {
		collector := core.NewCloudWatchCollector(comps.CloudWatch, cfg.Observability.MetricNamespace, logger)
		srv.Metrics = collector
		srv.OnShutdown = append(srv.OnShutdown, collector.Close)
	}
	srv.HealthProbes = append(srv.HealthProbes, comps.Probes...)
	srv.OnShutdown = append(srv.OnShutdown, comps.Close)

	// A nil *DispatchPublisher must not become a non-nil EventQueue.
	var queue handlers.EventQueue
	if comps.Publisher != nil {
		queue = comps.Publisher
	}
	events := handlers.NewEventHandler(comps.Dispatcher, queue, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, events.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Releases the DB pool, the preference cache and the metrics buffer.
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
