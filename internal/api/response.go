// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/validation"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidationError    = validation.CodeValidationError
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Response is the envelope of every API response.
type Response struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *Error      `json:"error,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms"`
	Cached      bool      `json:"cached"`
	RequestID   string    `json:"request_id,omitempty"`
}

// Error is the error member of the envelope.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondData(w http.ResponseWriter, r *http.Request, start time.Time, data interface{}, cached bool) {
	writeJSON(w, http.StatusOK, &Response{
		Status:   "success",
		Data:     data,
		Metadata: metadata(r, start, cached),
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, apiErr *Error) {
	writeJSON(w, status, &Response{
		Status:   "error",
		Metadata: metadata(r, time.Time{}, false),
		Error:    apiErr,
	})
}

func metadata(r *http.Request, start time.Time, cached bool) Metadata {
	m := Metadata{
		Timestamp: time.Now().UTC(),
		Cached:    cached,
		RequestID: logging.RequestIDFromContext(r.Context()),
	}
	if !start.IsZero() {
		m.QueryTimeMS = time.Since(start).Milliseconds()
	}
	return m
}

// respondErr maps a domain error to its status and code. Unknown errors
// are logged and reported as 500 without their text.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.RequestValidationError
	switch {
	case errors.As(err, &verr):
		e := verr.ToAPIError()
		respondError(w, r, http.StatusBadRequest, &Error{Code: e.Code, Message: e.Message, Details: e.Details})
	case errors.Is(err, audit.ErrInvalidFilter):
		respondError(w, r, http.StatusBadRequest, &Error{Code: CodeValidationError, Message: trimSentinel(err, audit.ErrInvalidFilter)})
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, deadletter.ErrEntryNotFound):
		respondError(w, r, http.StatusNotFound, &Error{Code: CodeNotFound, Message: err.Error()})
	case errors.Is(err, audit.ErrAlreadyReviewed), errors.Is(err, audit.ErrRunInProgress):
		respondError(w, r, http.StatusConflict, &Error{Code: CodeConflict, Message: err.Error()})
	case errors.Is(err, audit.ErrStorageUnavailable):
		logging.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Storage unavailable")
		respondError(w, r, http.StatusServiceUnavailable, &Error{Code: CodeStorageUnavailable, Message: "audit storage is unavailable"})
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("API error")
		respondError(w, r, http.StatusInternalServerError, &Error{Code: CodeInternalError, Message: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	respondError(w, r, http.StatusBadRequest, &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)})
}

// trimSentinel drops the "audit: invalid filter: " prefix from messages.
func trimSentinel(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}
