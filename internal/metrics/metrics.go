// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package metrics provides Prometheus instrumentation for the score pipeline:
//   - publish success/failure and fallback-log backlog (cache/ledger divergence)
//   - ledger writer throughput, retries, and post-ceiling drops
//   - idempotency window and abuse heuristic rejections
//   - aggregate cache efficiency
//   - API endpoint latency and throughput
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish path metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of envelopes published to the durable event channel",
		},
		[]string{"subject"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_failures_total",
			Help: "Total number of failed publishes (before fallback logging)",
		},
		[]string{"subject"},
	)

	// FallbackPending tracks the queue_log backlog. A growing value means the
	// cache is ahead of the ledger and reconciliation is falling behind.
	FallbackPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fallback_pending_records",
			Help: "Current number of pending fallback log records awaiting replay",
		},
	)

	FallbackWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_writes_total",
			Help: "Total number of envelopes written to the fallback log",
		},
		[]string{"type"},
	)

	FallbackReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fallback_replayed_total",
			Help: "Total number of fallback records successfully republished",
		},
	)

	// Ledger writer metrics
	WorkerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_processed_total",
			Help: "Total number of messages committed by ledger writers",
		},
		[]string{"queue"},
	)

	WorkerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_requeued_total",
			Help: "Total number of messages requeued with backoff after a transient failure",
		},
		[]string{"queue"},
	)

	// WorkerDropped counts messages discarded after the retry ceiling.
	// Every increment is a permanently lost ledger event; alert on this.
	WorkerDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_dropped_total",
			Help: "Total number of messages dropped after exhausting the retry ceiling",
		},
		[]string{"queue"},
	)

	WorkerInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_invalid_total",
			Help: "Total number of structurally invalid envelopes discarded without retry",
		},
		[]string{"queue"},
	)

	WorkerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_processing_duration_seconds",
			Help:    "Time spent processing a single message including the ledger transaction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Request-path metrics
	IdempotencyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_rejections_total",
			Help: "Total number of submissions rejected by the idempotency window",
		},
		[]string{"subject"},
	)

	AbuseChallenges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abuse_challenges_total",
			Help: "Total number of submissions challenged by the abuse heuristic",
		},
	)

	DailyCapRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daily_cap_rejections_total",
			Help: "Total number of submissions rejected by the per-day action cap",
		},
		[]string{"event_type"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregate_cache_hits_total",
			Help: "Total number of aggregate cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregate_cache_misses_total",
			Help: "Total number of aggregate cache misses",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordPublish records a successful publish to the given subject.
func RecordPublish(subject string) {
	PublishTotal.WithLabelValues(subject).Inc()
}

// RecordPublishFailure records a failed publish to the given subject.
func RecordPublishFailure(subject string) {
	PublishFailures.WithLabelValues(subject).Inc()
}

// RecordWorkerProcessed records a committed message with its processing duration.
func RecordWorkerProcessed(queue string, d time.Duration) {
	WorkerProcessed.WithLabelValues(queue).Inc()
	WorkerProcessingDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordAPIRequest records an API request outcome.
func RecordAPIRequest(method, endpoint string, status int, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// RecordDBQuery records a DuckDB query duration, and the error if non-nil.
func RecordDBQuery(operation, table string, d time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(d.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
