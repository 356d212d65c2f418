// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
)

// NewRouter builds the HTTP router with the standard middleware chain.
func NewRouter(handler *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Timeout))
	r.Use(correlationID)
	r.Use(requestMetrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
	}

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkin", handler.CheckIn)
		r.Post("/score", handler.AddScore)
		r.Get("/state", handler.State)
		r.Get("/calendar", handler.Calendar)
	})

	return r
}

// correlationID stamps each request with a short ID, honoring one passed by
// an upstream proxy, so every log line for one request ties together.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			ctx = logging.ContextWithNewCorrelationID(ctx)
			id = logging.CorrelationIDFromContext(ctx)
		} else {
			ctx = logging.ContextWithCorrelationID(ctx, id)
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestMetrics records per-request counters and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.RecordAPIRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}
