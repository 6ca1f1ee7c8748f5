// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/auditpipe/config.yaml",
	"/etc/auditpipe/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8470,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 30 * time.Second,

			SlowRequestThreshold: time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverDuckDB,
			DSN:    "/data/audit.duckdb",
		},
		Queue: QueueConfig{
			Key:            "auditpipe:queue",
			BufferSize:     10000,
			EnqueueTimeout: 50 * time.Millisecond,
			PollInterval:   time.Second,
			ProbeTimeout:   2 * time.Second,
		},
		Writer: WriterConfig{
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			Workers:       2,
			MaxAttempts:   3,
			BackoffBase:   2 * time.Second,
			BackoffFactor: 2,
			BackoffMax:    30 * time.Second,
			DrainTimeout:  5 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			Path:       "/data/deadletter",
			SyncWrites: true,
		},
		Cache: CacheConfig{
			Prefix:          "auditpipe:cache:",
			TTL:             5 * time.Minute,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Days:     90,
			Schedule: "@daily",
		},
		Redaction: RedactionConfig{
			Denylist: []string{"password", "apiKey", "token", "secret", "authorization"},
		},
		Query: QueryConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
			StatsTTL:        5 * time.Minute,
			RecentTTL:       time.Minute,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// BATCH_SIZE -> writer.batch_size
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns CONFIG_PATH if it exists, else the first default
// path that exists, else "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"redaction.denylist",
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// Env vars arrive as strings; YAML lists are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) == 0 {
			continue
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	// Server
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_timeout":          "server.timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"http_slow_request":     "server.slow_request_threshold",

	// Storage
	"storage_driver": "storage.driver",
	"storage_dsn":    "storage.dsn",

	// Queue
	"queue_redis_addr":      "queue.redis_addr",
	"queue_redis_password":  "queue.redis_password",
	"queue_redis_db":        "queue.redis_db",
	"queue_key":             "queue.key",
	"queue_buffer_size":     "queue.buffer_size",
	"queue_enqueue_timeout": "queue.enqueue_timeout",
	"queue_poll_interval":   "queue.poll_interval",
	"queue_probe_timeout":   "queue.probe_timeout",

	// Writer
	"batch_size":           "writer.batch_size",
	"batch_flush_interval": "writer.flush_interval",
	"writer_workers":       "writer.workers",
	"retry_max_attempts":   "writer.max_attempts",
	"retry_backoff_base":   "writer.backoff_base",
	"retry_backoff_factor": "writer.backoff_factor",
	"retry_backoff_max":    "writer.backoff_max",
	"batch_drain_timeout":  "writer.drain_timeout",

	// Dead letters
	"deadletter_path":        "deadletter.path",
	"deadletter_sync_writes": "deadletter.sync_writes",

	// Cache
	"cache_redis_addr":       "cache.redis_addr",
	"cache_redis_password":   "cache.redis_password",
	"cache_prefix":           "cache.prefix",
	"cache_ttl":              "cache.ttl",
	"cache_breaker_failures": "cache.breaker_failures",
	"cache_breaker_timeout":  "cache.breaker_timeout",

	// Retention
	"retention_enabled":  "retention.enabled",
	"retention_days":     "retention.days",
	"retention_schedule": "retention.schedule",

	"redaction_denylist": "redaction.denylist",

	// Query
	"query_default_page_size": "query.default_page_size",
	"query_max_page_size":     "query.max_page_size",
	"query_stats_ttl":         "query.stats_ttl",
	"query_recent_ttl":        "query.recent_ttl",

	"signals_nats_url": "signals.nats_url",

	// Security
	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to its koanf path.
// Unmapped names return "" and are skipped, so unrelated variables never
// reach the configuration.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
