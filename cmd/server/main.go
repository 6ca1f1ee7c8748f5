// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/auditpipe/internal/api"
	"github.com/tomtom215/auditpipe/internal/config"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/pipeline"
	"github.com/tomtom215/auditpipe/internal/supervisor"
	"github.com/tomtom215/auditpipe/internal/supervisor/services"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("storage_driver", cfg.Storage.Driver).
		Str("queue_redis", cfg.Queue.RedisAddr).
		Int("writers", cfg.Writer.Workers).
		Bool("retention", cfg.Retention.Enabled).
		Msg("Starting Auditpipe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pipeline.Build(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build pipeline")
	}
	defer func() {
		if err := p.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing pipeline")
		}
	}()
	if budget := p.Writer.ShutdownBudget(); budget > cfg.Server.ShutdownTimeout {
		// Close still waits for the workers; only the supervisor report is early.
		logging.Warn().Dur("shutdown_timeout", cfg.Server.ShutdownTimeout).Dur("writer_budget", budget).
			Msg("Batch writer may outlive the supervisor shutdown timeout")
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	for _, svc := range p.StorageServices() {
		tree.AddStorageService(svc)
	}
	for _, svc := range p.PipelineServices() {
		tree.AddPipelineService(svc)
	}

	router := api.NewRouter(api.DepsFromPipeline(p, cfg.Retention.Days, api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		CORSMaxAge:         86400,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,

		SlowRequestThreshold: cfg.Server.SlowRequestThreshold,
		LatencySamples:       1000,
	}))
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Auditpipe stopped")
}
