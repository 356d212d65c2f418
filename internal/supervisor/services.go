// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Service wrappers adapting the pipeline components to the suture.Service
// interface. Each wrapper blocks in Serve until its component stops or the
// context is canceled.

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/scorepipe/scorepipe/internal/broker"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/worker"
)

// HTTPService runs an http.Server under supervision.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps srv. shutdownTimeout bounds the graceful drain on
// restart or shutdown.
func NewHTTPService(srv *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: srv, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

// NATSService keeps the embedded NATS server healthy. The server is started
// by its constructor; this wrapper watches it and shuts it down when the
// context ends. A dead server surfaces as a service failure so the tree
// restarts the layer.
type NATSService struct {
	server *broker.EmbeddedServer

	// checkInterval is how often the health probe runs.
	checkInterval time.Duration
}

// NewNATSService wraps an already running embedded server.
func NewNATSService(server *broker.EmbeddedServer) *NATSService {
	return &NATSService{server: server, checkInterval: 5 * time.Second}
}

// Serve implements suture.Service.
func (s *NATSService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("NATS server shutdown incomplete")
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.server.IsRunning() {
				return errors.New("embedded NATS server stopped")
			}
		}
	}
}

// WriterService runs one ledger writer under supervision.
type WriterService struct {
	name   string
	writer *worker.Writer
}

// NewWriterService wraps a writer. name appears in supervisor logs.
func NewWriterService(name string, w *worker.Writer) *WriterService {
	return &WriterService{name: name, writer: w}
}

// Serve implements suture.Service.
func (s *WriterService) Serve(ctx context.Context) error {
	logging.Info().Str("writer", s.name).Msg("ledger writer starting")
	err := s.writer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Str("writer", s.name).Msg("ledger writer stopped")
	}
	return err
}

func (s *WriterService) String() string { return "writer-" + s.name }

// RetrierService runs the fallback log replay loop under supervision.
type RetrierService struct {
	retrier *broker.FallbackRetrier
}

// NewRetrierService wraps a fallback retrier.
func NewRetrierService(r *broker.FallbackRetrier) *RetrierService {
	return &RetrierService{retrier: r}
}

// Serve implements suture.Service.
func (s *RetrierService) Serve(ctx context.Context) error {
	return s.retrier.Run(ctx)
}

func (s *RetrierService) String() string { return "fallback-retrier" }
