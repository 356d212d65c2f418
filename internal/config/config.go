// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package config loads and validates Scorepipe configuration.
//
// Configuration is resolved in three layers, later layers overriding earlier:
//  1. compiled-in defaults
//  2. YAML config file (config.yaml, /etc/scorepipe/config.yaml, or CONFIG_PATH)
//  3. environment variables with the SCOREPIPE_ prefix
//     (SCOREPIPE_NATS__URL → nats.url)
//
// Reward values and daily caps are read from the loaded Config at call time by
// the request path and the calendar aggregator, so a changed file takes effect
// on the next process start without schema migration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for all Scorepipe processes.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Server   ServerConfig   `koanf:"server"`
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Idem     IdemConfig     `koanf:"idempotency"`
	Score    ScoreConfig    `koanf:"score"`
	Worker   WorkerConfig   `koanf:"worker"`
	Fallback FallbackConfig `koanf:"fallback"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// NATSConfig configures the durable event channel.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name"`
	RetentionDays   int           `koanf:"stream_retention_days"`
	DedupWindow     time.Duration `koanf:"dedup_window"`
	DurableName     string        `koanf:"durable_name"`
	QueueGroup      string        `koanf:"queue_group"`
	AckWaitTimeout  time.Duration `koanf:"ack_wait_timeout"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`
}

// DatabaseConfig configures the DuckDB ledger store.
type DatabaseConfig struct {
	Path              string        `koanf:"path"`
	MaxMemory         string        `koanf:"max_memory"`
	Threads           int           `koanf:"threads"`
	MaxReconnectTries int           `koanf:"max_reconnect_tries"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
}

// IdemConfig configures the idempotency window store.
type IdemConfig struct {
	// Path is the BadgerDB directory for window tokens. Empty means in-memory
	// (tests only; tokens do not survive a restart).
	Path string `koanf:"path"`

	// Window is the deduplication bucket size. Two submissions for the same
	// (subject, user) inside one bucket collapse into one.
	Window time.Duration `koanf:"window"`
}

// ScoreConfig carries the per-event reward values and daily caps.
// Mirrors the checkin_config block of the original deployment.
type ScoreConfig struct {
	MaxCheckinPerDay int `koanf:"max_checkin_per_day"`
	ScorePerCheckin  int `koanf:"score_per_checkin"`

	MaxAddScorePerDay int `koanf:"max_add_score_per_day"`
	ScorePerAddScore  int `koanf:"score_per_add_score"`

	// SuspiciousPositions lists daily action counts that trigger the
	// challenge-response heuristic. Empty disables the heuristic.
	SuspiciousPositions []int `koanf:"suspicious_positions"`

	// DailyCounterTTL is the natural expiry of per-day cache counters.
	DailyCounterTTL time.Duration `koanf:"daily_counter_ttl"`
}

// WorkerConfig configures the ledger writers.
type WorkerConfig struct {
	// MaxRetries is the requeue ceiling per message. Beyond it the message is
	// dropped with a logged, counted failure.
	MaxRetries int `koanf:"max_retries"`

	// BackoffBase is the unit for exponential backoff: base * 2^retry_count.
	BackoffBase time.Duration `koanf:"backoff_base"`
}

// FallbackConfig configures replay of pending fallback log records.
type FallbackConfig struct {
	RetryInterval time.Duration `koanf:"retry_interval"`
	BatchLimit    int           `koanf:"batch_limit"`
}

// Default returns a Config with all default values applied.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with all default values applied.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8712,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/nats/jetstream",
			MaxMemory:       1 << 30,  // 1GB
			MaxStore:        10 << 30, // 10GB
			StreamName:      "SCOREPIPE",
			RetentionDays:   7,
			DedupWindow:     2 * time.Minute,
			DurableName:     "ledger-writer",
			QueueGroup:      "writers",
			AckWaitTimeout:  30 * time.Second,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectBuffer: 8 * 1024 * 1024,
		},
		Database: DatabaseConfig{
			Path:              "/data/scorepipe.duckdb",
			MaxMemory:         "1GB",
			Threads:           0, // 0 = runtime.NumCPU()
			MaxReconnectTries: 5,
			ReconnectDelay:    time.Second,
		},
		Idem: IdemConfig{
			Path:   "/data/idempotency",
			Window: 5 * time.Second,
		},
		Score: ScoreConfig{
			MaxCheckinPerDay:    10,
			ScorePerCheckin:     10,
			MaxAddScorePerDay:   10,
			ScorePerAddScore:    10,
			SuspiciousPositions: nil,
			DailyCounterTTL:     24 * time.Hour,
		},
		Worker: WorkerConfig{
			MaxRetries:  3,
			BackoffBase: time.Second,
		},
		Fallback: FallbackConfig{
			RetryInterval: 30 * time.Second,
			BatchLimit:    100,
		},
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded_server is false")
	}
	if c.Idem.Window <= 0 {
		return fmt.Errorf("idempotency.window must be positive")
	}
	if c.Score.ScorePerCheckin <= 0 {
		return fmt.Errorf("score.score_per_checkin must be positive")
	}
	if c.Score.ScorePerAddScore <= 0 {
		return fmt.Errorf("score.score_per_add_score must be positive")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must not be negative")
	}
	if c.Worker.BackoffBase <= 0 {
		return fmt.Errorf("worker.backoff_base must be positive")
	}
	return nil
}

// QuotaFor returns the daily quota for the given event type, 0 if unknown.
// Read at call time so a config change applies on the next write.
func (c *Config) QuotaFor(eventType string) int {
	switch eventType {
	case "check_in":
		return c.Score.MaxCheckinPerDay
	case "add_score":
		return c.Score.MaxAddScorePerDay
	default:
		return 0
	}
}

// RewardFor returns the per-action point value for the given event type.
func (c *Config) RewardFor(eventType string) int {
	switch eventType {
	case "check_in":
		return c.Score.ScorePerCheckin
	case "add_score":
		return c.Score.ScorePerAddScore
	default:
		return 0
	}
}
