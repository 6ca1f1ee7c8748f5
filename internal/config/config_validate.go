// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package config

import (
	"strings"
)

// Validate checks that the configuration is usable. It returns the first
// problem found as a *ConfigError.
func (c *Config) Validate() error {
	for _, check := range []func() *ConfigError{
		c.validateServer,
		c.validateStorage,
		c.validateQueue,
		c.validateWriter,
		c.validateRetention,
		c.validateRedaction,
		c.validateQuery,
		c.validateSecurity,
		c.validateLogging,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() *ConfigError {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Value: c.Server.Port, Message: "must be between 1 and 65535"}
	}
	if c.Server.Timeout <= 0 {
		return &ConfigError{Field: "server.timeout", Value: c.Server.Timeout, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStorage() *ConfigError {
	switch c.Storage.Driver {
	case DriverMemory:
		return nil
	case DriverDuckDB, DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return &ConfigError{Field: "storage.dsn", Value: c.Storage.DSN, Message: "is required for driver " + c.Storage.Driver}
		}
		return nil
	default:
		return &ConfigError{Field: "storage.driver", Value: c.Storage.Driver, Message: "must be one of duckdb, postgres, memory"}
	}
}

func (c *Config) validateQueue() *ConfigError {
	if c.Queue.BufferSize < 1 {
		return &ConfigError{Field: "queue.buffer_size", Value: c.Queue.BufferSize, Message: "must be at least 1"}
	}
	if c.Queue.EnqueueTimeout < 0 {
		return &ConfigError{Field: "queue.enqueue_timeout", Value: c.Queue.EnqueueTimeout, Message: "must not be negative"}
	}
	return nil
}

func (c *Config) validateWriter() *ConfigError {
	w := c.Writer
	switch {
	case w.BatchSize < 1:
		return &ConfigError{Field: "writer.batch_size", Value: w.BatchSize, Message: "must be at least 1"}
	case w.FlushInterval <= 0:
		return &ConfigError{Field: "writer.flush_interval", Value: w.FlushInterval, Message: "must be positive"}
	case w.Workers < 1:
		return &ConfigError{Field: "writer.workers", Value: w.Workers, Message: "must be at least 1"}
	case w.MaxAttempts < 1:
		return &ConfigError{Field: "writer.max_attempts", Value: w.MaxAttempts, Message: "must be at least 1"}
	case w.BackoffBase <= 0:
		return &ConfigError{Field: "writer.backoff_base", Value: w.BackoffBase, Message: "must be positive"}
	case w.BackoffFactor < 1:
		return &ConfigError{Field: "writer.backoff_factor", Value: w.BackoffFactor, Message: "must be at least 1"}
	case w.BackoffMax < w.BackoffBase:
		return &ConfigError{Field: "writer.backoff_max", Value: w.BackoffMax, Message: "must not be below writer.backoff_base"}
	case w.DrainTimeout <= 0:
		return &ConfigError{Field: "writer.drain_timeout", Value: w.DrainTimeout, Message: "must be positive"}
	case w.DrainTimeout >= c.Server.ShutdownTimeout:
		return &ConfigError{Field: "writer.drain_timeout", Value: w.DrainTimeout, Message: "must be below server.shutdown_timeout"}
	}
	return nil
}

func (c *Config) validateRetention() *ConfigError {
	if !c.Retention.Enabled {
		return nil
	}
	if c.Retention.Days < 1 {
		return &ConfigError{Field: "retention.days", Value: c.Retention.Days, Message: "must be at least 1"}
	}
	if strings.TrimSpace(c.Retention.Schedule) == "" {
		return &ConfigError{Field: "retention.schedule", Value: c.Retention.Schedule, Message: "is required when retention is enabled"}
	}
	return nil
}

func (c *Config) validateRedaction() *ConfigError {
	if len(c.Redaction.Denylist) == 0 {
		return &ConfigError{Field: "redaction.denylist", Value: c.Redaction.Denylist, Message: "must name at least one key"}
	}
	return nil
}

func (c *Config) validateQuery() *ConfigError {
	q := c.Query
	if q.MaxPageSize < 1 {
		return &ConfigError{Field: "query.max_page_size", Value: q.MaxPageSize, Message: "must be at least 1"}
	}
	if q.DefaultPageSize < 1 || q.DefaultPageSize > q.MaxPageSize {
		return &ConfigError{Field: "query.default_page_size", Value: q.DefaultPageSize, Message: "must be between 1 and query.max_page_size"}
	}
	return nil
}

func (c *Config) validateSecurity() *ConfigError {
	if c.Security.RateLimitDisabled {
		return nil
	}
	if c.Security.RateLimitReqs < 1 {
		return &ConfigError{Field: "security.rate_limit_reqs", Value: c.Security.RateLimitReqs, Message: "must be at least 1"}
	}
	if c.Security.RateLimitWindow <= 0 {
		return &ConfigError{Field: "security.rate_limit_window", Value: c.Security.RateLimitWindow, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateLogging() *ConfigError {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of trace, debug, info, warn, error"}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return &ConfigError{Field: "logging.format", Value: c.Logging.Format, Message: "must be json or console"}
	}
	return nil
}
