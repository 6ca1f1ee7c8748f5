// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/auditpipe/internal/logging"
)

// Open probes the configured Redis and returns the queue the pipeline
// should use. An unset or unreachable Redis yields the in-process buffer,
// with a warning that durability is reduced. Open never fails: the pipeline
// always gets a working queue.
func Open(ctx context.Context, cfg Config) Backend {
	cfg.applyDefaults()
	memory := NewMemory(cfg)

	if cfg.RedisAddr == "" {
		logging.Warn().Int("buffer_size", cfg.BufferSize).
			Msg("No queue backend configured: using in-process buffer, records are lost on crash")
		return memory
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	if err := client.Ping(probeCtx).Err(); err != nil {
		_ = client.Close()
		logging.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("Queue backend unreachable: using in-process buffer, records are lost on crash")
		return memory
	}

	rq, err := NewRedis(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		logging.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("Queue recovery failed: using in-process buffer, records are lost on crash")
		return memory
	}
	rq.ownsClient = true

	logging.Info().Str("addr", cfg.RedisAddr).Str("key", cfg.Key).Msg("Audit queue using Redis with in-process failover")
	return NewFailover(rq, memory, cfg)
}
