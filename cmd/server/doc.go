// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

/*
Package main is the entry point for the Auditpipe server.

Auditpipe captures auditable actions from HTTP services, buffers them in a
Redis-backed queue, writes them in batches to DuckDB or PostgreSQL, and
serves the audit trail through an admin API.

# Application Architecture

	RootSupervisor ("auditpipe")
	├── StorageSupervisor ("storage-layer")
	│   └── Dead-letter sink GC (BadgerDB)
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── Batch writers (WRITER_WORKERS)
	│   └── Retention scheduler (RETENTION_ENABLED)
	└── APISupervisor ("api-layer")
	    └── HTTP Server

Component initialization order:

 1. Configuration: Koanf v2 with defaults, config.yaml and environment
 2. Logging: zerolog, bridged to slog for sutureslog
 3. Pipeline: storage, dead-letter sink, queue, cache, signals, writers
 4. Supervisor tree and HTTP server

# Configuration

Layered sources (highest priority wins):
  - Environment variables (STORAGE_DRIVER, QUEUE_REDIS_ADDR, ...)
  - Config file (CONFIG_PATH, ./config.yaml, /etc/auditpipe/config.yaml)
  - Built-in defaults

Development without external services:

	export STORAGE_DRIVER=memory
	export DEADLETTER_PATH=
	./auditpipe

Production with DuckDB and Redis:

	export STORAGE_DSN=/data/audit.duckdb
	export QUEUE_REDIS_ADDR=redis:6379
	export CACHE_REDIS_ADDR=redis:6379
	./auditpipe

# Signal Handling

SIGINT and SIGTERM cancel the tree. The HTTP server stops accepting
requests, each writer flushes what it holds, and the backends are closed
in reverse order of opening.
*/
package main
