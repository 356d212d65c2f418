// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Command server runs the full score pipeline in one process: the HTTP
// API, the embedded event channel, the ledger writers, and the fallback
// retrier, all under one supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/scorepipe/scorepipe/internal/abuse"
	"github.com/scorepipe/scorepipe/internal/api"
	"github.com/scorepipe/scorepipe/internal/cache"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/idempotency"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/service"
	"github.com/scorepipe/scorepipe/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})
	logging.Info().Msg("starting scorepipe server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger store.
	store, err := ledger.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	logging.Info().Str("path", cfg.Database.Path).Msg("ledger store opened")

	// Idempotency window.
	window, err := idempotency.Open(cfg.Idem.Path, cfg.Idem.Window)
	if err != nil {
		return fmt.Errorf("open idempotency window: %w", err)
	}
	defer window.Close()

	// Live aggregate cache.
	agg := cache.New(cfg.Score.DailyCounterTTL)
	defer agg.Close()

	// Event channel plus ledger writers.
	channel, err := InitChannel(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("init event channel: %w", err)
	}
	defer channel.Shutdown(context.Background())

	// Request path.
	evaluator := abuse.NewEvaluator(cfg.Score.SuspiciousPositions)
	svc := service.New(cfg, window, agg, evaluator, channel.Fallback, store)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(api.NewHandler(svc), cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree: channel layer, writer layer, API layer.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if channel.Server != nil {
		tree.AddChannelService(supervisor.NewNATSService(channel.Server))
	}
	tree.AddChannelService(supervisor.NewRetrierService(channel.Retrier))
	for i, w := range channel.Writers {
		tree.AddWriterService(supervisor.NewWriterService(channel.WriterNames[i], w))
	}
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.Timeout))

	logging.Info().
		Str("addr", httpServer.Addr).
		Int("writers", len(channel.Writers)).
		Msg("supervision tree starting")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervision tree: %w", err)
	}

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, unstopped := range report {
			logging.Warn().Str("service", unstopped.Name).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("scorepipe server stopped")
	return nil
}
