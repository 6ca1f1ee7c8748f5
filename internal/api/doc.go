// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

/*
Package api serves the admin HTTP surface of the audit log.

Routes (chi):

	GET  /healthz
	GET  /metrics
	GET  /debug/latency
	GET  /api/v1/audit/records
	GET  /api/v1/audit/records/{id}
	POST /api/v1/audit/records/{id}/review
	GET  /api/v1/audit/statistics
	GET  /api/v1/audit/actors/{actorID}/recent
	POST /api/v1/audit/archive
	POST /api/v1/audit/purge
	GET  /api/v1/audit/deadletters
	POST /api/v1/audit/deadletters/{id}/replay

Every response uses the envelope

	{"status": "success"|"error", "data": ..., "metadata": {...}, "error": {...}}

Requests under /api/v1/audit are rate limited per client IP with
go-chi/httprate. Mutating calls (review, archive, purge, replay) are
themselves captured into the audit log through capture.Middleware; reads
are not, since every flush clears the query cache. Requests are also
gzip-compressed on request and timed by middleware.LatencyTracker, whose
per-route percentiles are served at /debug/latency.

Error mapping:

	audit.ErrInvalidFilter, validation failures  400 VALIDATION_ERROR
	audit.ErrNotFound, deadletter.ErrEntryNotFound 404 NOT_FOUND
	audit.ErrAlreadyReviewed, audit.ErrRunInProgress 409 CONFLICT
	audit.ErrStorageUnavailable                    503 STORAGE_UNAVAILABLE
*/
package api
