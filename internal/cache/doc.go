// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package cache provides the read-through cache in front of expensive audit
// queries (aggregate statistics and recent-N per actor).
//
// The cache is strictly an optimization. Every successful batch flush
// invalidates all entries, and any backend failure surfaces as
// ErrUnavailable so callers can fall back to storage.
//
// # Backends
//
//   - MemoryCache: in-process TTL map with a background cleanup loop
//   - RedisCache: shared cache on Redis (SET EX, SCAN + UNLINK invalidation)
//   - Guarded: circuit breaker wrapper that converts backend failures into
//     ErrUnavailable and stops hammering a dead backend
//
// # Keys
//
// Keys are built with GenerateKey, which hashes the JSON encoding of the
// query parameters. Map keys are encoded in sorted order, so equal
// parameters always yield the same key:
//
//	key := cache.GenerateKey(cache.NamespaceStats, filter)
//	var stats audit.Statistics
//	if hit, err := c.Get(ctx, key, &stats); err == nil && hit {
//	    return &stats, nil
//	}
package cache
