// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package ledger is the durable relational store behind the pipeline. It
// holds the append-only score log, the user balance table, the check-in
// calendar, the audit and device logs, and the fallback log used when the
// event channel is unavailable.
//
// All writes land here through the ledger writers; the request path only
// reads (balance seeding, calendar queries).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
)

// ErrUserNotFound indicates a query for a user with no ledger row.
var ErrUserNotFound = errors.New("user not found")

// Store wraps the DuckDB connection with reconnect handling.
type Store struct {
	conn *sql.DB
	cfg  config.DatabaseConfig

	reconnectMu sync.Mutex
}

// Open opens the DuckDB database at the configured path, initializes the
// schema, and configures the connection pool.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	s := &Store{cfg: cfg}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	threads := s.cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		s.cfg.Path, threads, s.cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s.conn = conn

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("initialize schema: %w", err)
	}

	return nil
}

// initSchema creates tables and sequences when absent. Safe to run on every
// start.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS queue_log_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS score_log_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS user_log_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS customer_message_id_seq`,

		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			score BIGINT NOT NULL DEFAULT 0,
			updatetime BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS user_score_log (
			id BIGINT PRIMARY KEY DEFAULT nextval('score_log_id_seq'),
			user_id BIGINT NOT NULL,
			type VARCHAR NOT NULL,
			score INTEGER NOT NULL,
			numb INTEGER NOT NULL,
			before_score BIGINT NOT NULL,
			after_score BIGINT NOT NULL,
			memo VARCHAR,
			year INTEGER NOT NULL,
			month INTEGER NOT NULL,
			day INTEGER NOT NULL,
			unique_random VARCHAR NOT NULL,
			createtime BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS score_calendar (
			user_id BIGINT NOT NULL,
			type VARCHAR NOT NULL,
			year INTEGER NOT NULL,
			month INTEGER NOT NULL,
			day INTEGER NOT NULL,
			numb INTEGER NOT NULL DEFAULT 0,
			is_complete BOOLEAN NOT NULL DEFAULT false,
			updatetime BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, type, year, month, day)
		)`,

		`CREATE TABLE IF NOT EXISTS queue_log (
			id BIGINT PRIMARY KEY DEFAULT nextval('queue_log_id_seq'),
			user_id BIGINT NOT NULL DEFAULT 0,
			type VARCHAR NOT NULL,
			payload BLOB NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user_log (
			id BIGINT PRIMARY KEY DEFAULT nextval('user_log_id_seq'),
			user_id BIGINT NOT NULL,
			action VARCHAR NOT NULL,
			detail VARCHAR,
			ip VARCHAR,
			createtime BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS qiandao_log (
			user_id BIGINT NOT NULL,
			device_id VARCHAR,
			platform VARCHAR,
			ip VARCHAR,
			createtime BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS customer_message (
			id BIGINT PRIMARY KEY DEFAULT nextval('customer_message_id_seq'),
			user_id BIGINT NOT NULL,
			title VARCHAR NOT NULL,
			content VARCHAR,
			is_read BOOLEAN NOT NULL DEFAULT false,
			createtime BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_score_log_user ON user_score_log (user_id, year, month)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_log_status ON queue_log (status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection, reconnecting with exponential backoff when
// it is dead.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err == nil {
		return nil
	} else if !isConnectionError(err) {
		return err
	}
	return s.reconnect(ctx)
}

// reconnect re-establishes the connection with exponential backoff.
func (s *Store) reconnect(ctx context.Context) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	// Another caller may have already fixed it.
	if err := s.conn.PingContext(ctx); err == nil {
		return nil
	}

	if s.conn != nil {
		_ = s.conn.Close()
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxReconnectTries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.ReconnectDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.connect(); err != nil {
			lastErr = fmt.Errorf("reconnect attempt %d: %w", attempt+1, err)
			logging.Warn().Err(err).Int("attempt", attempt+1).Msg("database reconnect failed")
			continue
		}

		logging.Info().Int("attempt", attempt+1).Msg("database reconnected")
		return nil
	}

	return fmt.Errorf("reconnect after %d attempts: %w", s.cfg.MaxReconnectTries, lastErr)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// isConnectionError reports whether err indicates a dead connection rather
// than a query failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "database is closed")
}

// observe wraps a query with duration and error metrics.
func observe(operation, table string, start time.Time, err error) {
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
}
