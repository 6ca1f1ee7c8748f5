// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package capture turns auditable actions into queued audit records.
//
// Capture never fails from the caller's point of view: redaction or
// enqueue faults are logged at warning level, counted, and swallowed, and
// panics are recovered. The audit pipeline must never break the action it
// audits.
package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
	"github.com/tomtom215/auditpipe/internal/redact"
)

// Enqueuer accepts records for asynchronous persistence. Every
// queue.Backend satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, record *audit.Record) error
}

// ActionContext describes one auditable action.
type ActionContext struct {
	Timestamp time.Time

	ActionType audit.ActionType
	Action     string
	// Severity is derived from the outcome when empty.
	Severity    audit.Severity
	Description string

	Resource   string
	ResourceID string

	ActorID    string
	ActorEmail string
	ActorRole  string

	HTTPMethod string
	HTTPPath   string
	IPAddress  string
	UserAgent  string
	Duration   time.Duration
	// StatusCode >= 400 marks the action as failed even without Err.
	StatusCode int

	Err error

	OldValues      map[string]interface{}
	NewValues      map[string]interface{}
	AffectedFields []string
	Metadata       map[string]interface{}
	// RequestBody is stored, redacted, under metadata["request_body"].
	RequestBody interface{}
}

// Succeeded reports the outcome of the audited action.
func (ac *ActionContext) Succeeded() bool {
	return ac.Err == nil && ac.StatusCode < http.StatusBadRequest
}

func (ac *ActionContext) errorMessage() string {
	switch {
	case ac.Err != nil:
		return ac.Err.Error()
	case ac.StatusCode >= http.StatusBadRequest:
		return fmt.Sprintf("HTTP %d %s", ac.StatusCode, http.StatusText(ac.StatusCode))
	default:
		return ""
	}
}

// Hook builds, redacts and enqueues records.
type Hook struct {
	queue    Enqueuer
	redactor *redact.Redactor
}

// NewHook creates a Hook. A nil redactor uses the default denylist.
func NewHook(q Enqueuer, r *redact.Redactor) *Hook {
	if r == nil {
		r = redact.New(nil)
	}
	return &Hook{queue: q, redactor: r}
}

// Capture records ac. It never blocks on storage and never propagates a
// failure to the caller.
func (h *Hook) Capture(ctx context.Context, ac ActionContext) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CaptureFailures.WithLabelValues("panic").Inc()
			logging.Ctx(ctx).Warn().Interface("panic", rec).
				Str("action_type", string(ac.ActionType)).Msg("Audit capture panicked")
		}
	}()

	record := h.Build(ac)
	if err := record.Validate(); err != nil {
		metrics.CaptureFailures.WithLabelValues("invalid").Inc()
		logging.CtxSampled(ctx).Warn().Err(err).
			Str("action_type", string(record.ActionType)).
			Str("resource", record.Resource).
			Msg("Audit record dropped as invalid")
		return
	}
	metrics.RecordCapture(record.Success)

	// The audited request may finish before the enqueue does.
	if err := h.queue.Enqueue(context.WithoutCancel(ctx), record); err != nil {
		metrics.CaptureFailures.WithLabelValues("enqueue").Inc()
		logging.CtxSampled(ctx).Warn().Err(err).
			Str("action_type", string(record.ActionType)).
			Str("resource", record.Resource).
			Str("actor_id", record.ActorID).
			Msg("Audit record not enqueued")
	}
}

// Build turns ac into a draft record with every payload redacted. The ID
// is left empty; it is assigned at persistence time.
func (h *Hook) Build(ac ActionContext) *audit.Record {
	success := ac.Succeeded()

	r := &audit.Record{
		Timestamp:      ac.Timestamp,
		ActionType:     ac.ActionType,
		Action:         ac.Action,
		Severity:       ac.Severity,
		Description:    ac.Description,
		Resource:       ac.Resource,
		ResourceID:     ac.ResourceID,
		ActorID:        ac.ActorID,
		ActorEmail:     ac.ActorEmail,
		ActorRole:      ac.ActorRole,
		HTTPMethod:     ac.HTTPMethod,
		HTTPPath:       ac.HTTPPath,
		IPAddress:      ac.IPAddress,
		UserAgent:      ac.UserAgent,
		DurationMS:     ac.Duration.Milliseconds(),
		Success:        success,
		ErrorMessage:   ac.errorMessage(),
		OldValues:      h.redactor.RedactMap(ac.OldValues),
		NewValues:      h.redactor.RedactMap(ac.NewValues),
		AffectedFields: append([]string(nil), ac.AffectedFields...),
		Metadata:       h.redactor.RedactMap(ac.Metadata),
	}

	if ac.RequestBody != nil {
		if r.Metadata == nil {
			r.Metadata = make(map[string]interface{}, 1)
		}
		r.Metadata["request_body"] = h.redactor.Redact(ac.RequestBody)
	}
	if r.Severity == "" {
		r.Severity = DefaultSeverity(ac.ActionType, success, ac.StatusCode)
	}
	r.Normalize()
	return r
}

// DefaultSeverity classifies an action that did not state its severity.
func DefaultSeverity(actionType audit.ActionType, success bool, status int) audit.Severity {
	switch {
	case status >= http.StatusInternalServerError:
		return audit.SeverityError
	case !success && (actionType == audit.ActionLogin || status == http.StatusUnauthorized || status == http.StatusForbidden):
		return audit.SeverityHigh
	case !success:
		return audit.SeverityMedium
	case actionType == audit.ActionDelete || actionType == audit.ActionPurge || actionType == audit.ActionExport:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}
