// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

/*
Package config provides centralized configuration management for Auditpipe.

Configuration is loaded with Koanf v2 from three layers, later layers
overriding earlier ones:

 1. Built-in defaults (defaultConfig)
 2. An optional YAML file, taken from CONFIG_PATH or the first of
    DefaultConfigPaths that exists
 3. Environment variables, through an explicit name mapping

Unknown environment variables are ignored. Comma-separated values are split
for slice fields such as REDACTION_DENYLIST and CORS_ORIGINS.

# Environment Variables

Ingestion queue:
  - QUEUE_REDIS_ADDR: Redis address; empty selects the in-process queue
  - QUEUE_BUFFER_SIZE: in-process buffer capacity (default: 10000)
  - QUEUE_ENQUEUE_TIMEOUT: how long a full buffer blocks (default: 50ms)

Batch writer:
  - BATCH_SIZE: records per batch (default: 100)
  - BATCH_FLUSH_INTERVAL: maximum wait after the first record (default: 2s)
  - WRITER_WORKERS: concurrent writers (default: 2)
  - RETRY_MAX_ATTEMPTS, RETRY_BACKOFF_BASE, RETRY_BACKOFF_FACTOR, RETRY_BACKOFF_MAX

Storage and dead letters:
  - STORAGE_DRIVER: duckdb, postgres or memory (default: duckdb)
  - STORAGE_DSN: database path or connection string
  - DEADLETTER_PATH: Badger directory for failed batches

Cache, retention and queries:
  - CACHE_REDIS_ADDR, CACHE_TTL
  - RETENTION_ENABLED, RETENTION_DAYS, RETENTION_SCHEDULE
  - QUERY_DEFAULT_PAGE_SIZE, QUERY_MAX_PAGE_SIZE
  - REDACTION_DENYLIST

Server and logging:
  - HTTP_HOST, HTTP_PORT, HTTP_TIMEOUT
  - CORS_ORIGINS, RATE_LIMIT_REQUESTS, RATE_LIMIT_WINDOW, DISABLE_RATE_LIMIT
  - SIGNALS_NATS_URL: publish completion signals to NATS instead of in-process
  - LOG_LEVEL, LOG_FORMAT, LOG_CALLER

# Usage

	cfg, err := config.LoadWithKoanf()
	if err != nil {
	    log.Fatal(err)
	}

Validation failures are reported as *ConfigError naming the offending key.
*/
package config
