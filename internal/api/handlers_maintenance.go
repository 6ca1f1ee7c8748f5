// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/validation"
)

// ArchiveRequest is the body of POST /api/v1/audit/archive.
type ArchiveRequest struct {
	// AgeDays defaults to the configured retention period.
	AgeDays int `json:"age_days" validate:"gte=0"`
}

// PurgeRequest is the body of POST /api/v1/audit/purge.
type PurgeRequest struct {
	OlderThanDays int  `json:"older_than_days" validate:"gte=1"`
	Confirm       bool `json:"confirm"`
}

// CountResult reports how many records an operation touched.
type CountResult struct {
	Count int64 `json:"count"`
}

func (rt *Router) archive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ArchiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondErr(w, r, verr)
		return
	}
	if req.AgeDays == 0 {
		req.AgeDays = rt.deps.RetentionDays
	}

	n, err := rt.deps.Query.Archive(r.Context(), req.AgeDays)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, CountResult{Count: n}, false)
}

// purge hard-deletes archived records and refuses to run without an
// explicit confirm flag.
func (rt *Router) purge(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req PurgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondErr(w, r, verr)
		return
	}
	if !req.Confirm {
		respondErr(w, r, validation.NewFieldError("confirm", "required", false, "purge requires confirm: true"))
		return
	}

	n, err := rt.deps.Query.Purge(r.Context(), req.OlderThanDays)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Warn().Int64("count", n).Int("older_than_days", req.OlderThanDays).Msg("Archived audit records purged")
	respondData(w, r, start, CountResult{Count: n}, false)
}

// ReplayResult reports a dead-letter replay.
type ReplayResult struct {
	ID       string `json:"id"`
	Replayed int    `json:"replayed"`
}

func (rt *Router) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	list, err := rt.deps.DeadLetter.List(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, list, false)
}

func (rt *Router) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	n, err := rt.deps.DeadLetter.Replay(r.Context(), id, rt.deps.Queue)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, ReplayResult{ID: id, Replayed: n}, false)
}

// health handles GET /healthz. Degraded still answers 200 because capture
// and queries keep working on fallbacks.
func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if rt.deps.Health == nil {
		respondData(w, r, start, map[string]string{"status": "ok"}, false)
		return
	}
	respondData(w, r, start, rt.deps.Health(r.Context()), false)
}

// latencyStats reports per-route admin API latency percentiles.
func (rt *Router) latencyStats(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, time.Now(), rt.latency.Stats(), false)
}
