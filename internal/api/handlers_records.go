// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/auditpipe/internal/capture"
	"github.com/tomtom215/auditpipe/internal/query"
)

const maxRequestBody = 1 << 20

// listRecords handles GET /api/v1/audit/records.
func (rt *Router) listRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, verr := parseListRequest(r.URL.Query())
	if verr != nil {
		respondErr(w, r, verr)
		return
	}
	result, err := rt.deps.Query.Find(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, result, false)
}

// getRecord handles GET /api/v1/audit/records/{id}.
func (rt *Router) getRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec, err := rt.deps.Query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, rec, false)
}

// reviewRecord handles POST /api/v1/audit/records/{id}/review. The
// reviewer defaults to the calling actor.
func (rt *Router) reviewRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body query.ReviewRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Reviewer) == "" {
		body.Reviewer = r.Header.Get(capture.HeaderActorEmail)
	}
	if body.Reviewer == "" {
		body.Reviewer = r.Header.Get(capture.HeaderActorID)
	}

	rec, err := rt.deps.Query.MarkReviewed(r.Context(), chi.URLParam(r, "id"), body.Reviewer)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, rec, false)
}

// statistics handles GET /api/v1/audit/statistics.
func (rt *Router) statistics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fp, verr := parseFilterParams(r.URL.Query())
	if verr != nil {
		respondErr(w, r, verr)
		return
	}
	stats, cached, err := rt.deps.Query.Statistics(r.Context(), query.StatsRequest{FilterParams: fp})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, stats, cached)
}

// recentByActor handles GET /api/v1/audit/actors/{actorID}/recent?n=.
func (rt *Router) recentByActor(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, verr := parseInt(r.URL.Query(), "n")
	if verr != nil {
		respondErr(w, r, verr)
		return
	}
	records, cached, err := rt.deps.Query.Recent(r.Context(), chi.URLParam(r, "actorID"), n)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, start, records, cached)
}

// decodeBody reads an optional JSON body into dst. It writes the error
// response itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	badRequest(w, r, "invalid JSON body: %v", err)
	return false
}
