// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package config

import (
	"fmt"
	"time"
)

// Storage drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Queue      QueueConfig      `koanf:"queue"`
	Writer     WriterConfig     `koanf:"writer"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Cache      CacheConfig      `koanf:"cache"`
	Retention  RetentionConfig  `koanf:"retention"`
	Redaction  RedactionConfig  `koanf:"redaction"`
	Query      QueryConfig      `koanf:"query"`
	Signals    SignalsConfig    `koanf:"signals"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// SlowRequestThreshold logs admin API requests that take longer.
	SlowRequestThreshold time.Duration `koanf:"slow_request_threshold"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Driver is duckdb, postgres or memory.
	Driver string `koanf:"driver"`
	// DSN is the DuckDB file path or the PostgreSQL connection string.
	DSN string `koanf:"dsn"`
}

// QueueConfig configures the ingestion queue. An empty RedisAddr selects the
// bounded in-process queue.
type QueueConfig struct {
	RedisAddr      string        `koanf:"redis_addr"`
	RedisPassword  string        `koanf:"redis_password"`
	RedisDB        int           `koanf:"redis_db"`
	Key            string        `koanf:"key"`
	BufferSize     int           `koanf:"buffer_size"`
	EnqueueTimeout time.Duration `koanf:"enqueue_timeout"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	ProbeTimeout   time.Duration `koanf:"probe_timeout"`
}

// WriterConfig configures the batch writer.
type WriterConfig struct {
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	Workers       int           `koanf:"workers"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	BackoffMax    time.Duration `koanf:"backoff_max"`

	// DrainTimeout bounds the final dequeue on shutdown. It must stay
	// below server.shutdown_timeout.
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// DeadLetterConfig configures the Badger-backed dead-letter sink.
type DeadLetterConfig struct {
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// CacheConfig configures the read-side cache. An empty RedisAddr selects
// the in-process cache.
type CacheConfig struct {
	RedisAddr       string        `koanf:"redis_addr"`
	RedisPassword   string        `koanf:"redis_password"`
	Prefix          string        `koanf:"prefix"`
	TTL             time.Duration `koanf:"ttl"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// RetentionConfig configures scheduled archival.
type RetentionConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Days     int    `koanf:"days"`
	Schedule string `koanf:"schedule"`
}

// RedactionConfig lists the keys whose values are replaced before capture.
type RedactionConfig struct {
	Denylist []string `koanf:"denylist"`
}

// QueryConfig configures the query engine.
type QueryConfig struct {
	DefaultPageSize int           `koanf:"default_page_size"`
	MaxPageSize     int           `koanf:"max_page_size"`
	StatsTTL        time.Duration `koanf:"stats_ttl"`
	RecentTTL       time.Duration `koanf:"recent_ttl"`
}

// SignalsConfig selects where completion and alert signals are published.
// An empty NATSURL keeps them in-process.
type SignalsConfig struct {
	NATSURL string `koanf:"nats_url"`
}

// SecurityConfig holds the HTTP surface protections.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds logging settings for zerolog.
//
// Environment Variables:
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, console (default: json)
//   - LOG_CALLER: true/false - include caller file:line (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ConfigError reports one invalid setting.
type ConfigError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Field, e.Value, e.Message)
}
