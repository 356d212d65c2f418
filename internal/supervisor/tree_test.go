// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type countingService struct {
	starts atomic.Int32
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", cfg.FailureThreshold)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestTreeRunsServicesInAllLayers(t *testing.T) {
	tree := NewTree(slog.Default(), DefaultTreeConfig())

	channel := &countingService{}
	writer := &countingService{}
	api := &countingService{}
	tree.AddChannelService(channel)
	tree.AddWriterService(writer)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for channel.starts.Load() == 0 || writer.starts.Load() == 0 || api.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("services not started: channel=%d writer=%d api=%d",
				channel.starts.Load(), writer.starts.Load(), api.starts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(slog.Default(), TreeConfig{
		FailureThreshold: 100,
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	svc := &flakyService{failures: 2}
	tree.AddWriterService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for svc.starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("starts = %d, want >= 3", svc.starts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

type flakyService struct {
	starts   atomic.Int32
	failures int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("transient crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestHTTPServiceShutdown(t *testing.T) {
	srv := &http.Server{
		Addr:    "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	// Give the listener a moment, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("HTTP service did not stop")
	}
}
