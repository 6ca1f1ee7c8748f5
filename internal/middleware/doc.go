// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

/*
Package middleware provides HTTP middleware for the admin API that is not
already covered by chi, go-chi/cors or httprate.

# Compression

Compression gzips responses when the client sends Accept-Encoding: gzip.
Writers are pooled with sync.Pool. HEAD requests and clients that reject gzip
with q=0 pass through unchanged.

# Latency tracking

LatencyTracker keeps a sliding window of request samples keyed by the chi
route pattern, so /api/v1/audit/records/{id} is one entry regardless of the
ID. Stats reports p50, p95 and p99 per route. Requests slower than the
configured threshold are logged at warn level with the request ID.

	tracker := middleware.NewLatencyTracker(1000, time.Second)
	r.Use(tracker.Middleware)
	r.Use(middleware.Compression)

The admin API exposes the tracker at GET /debug/latency.
*/
package middleware
