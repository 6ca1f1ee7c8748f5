// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package audit defines the audit record model, query filters and the
// repository contract shared by every stage of the pipeline.
//
// Records are append-only. After persistence only the review fields
// (ReviewedBy, ReviewedAt) and ArchivedAt may change, and Patch is the only
// way to express a change.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// ActionType categorizes what kind of operation a record describes.
type ActionType string

const (
	ActionCreate  ActionType = "CREATE"
	ActionUpdate  ActionType = "UPDATE"
	ActionDelete  ActionType = "DELETE"
	ActionView    ActionType = "VIEW"
	ActionLogin   ActionType = "LOGIN"
	ActionLogout  ActionType = "LOGOUT"
	ActionExport  ActionType = "EXPORT"
	ActionImport  ActionType = "IMPORT"
	ActionApprove ActionType = "APPROVE"
	ActionReject  ActionType = "REJECT"
	ActionArchive ActionType = "ARCHIVE"
	ActionPurge   ActionType = "PURGE"
)

// ActionTypes lists every known action type in display order.
var ActionTypes = []ActionType{
	ActionCreate, ActionUpdate, ActionDelete, ActionView,
	ActionLogin, ActionLogout, ActionExport, ActionImport,
	ActionApprove, ActionReject, ActionArchive, ActionPurge,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// Severity is an ordered classification driving alerting and retention.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
)

// Severities lists severities from lowest to highest rank.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityError}

// Rank returns the ordinal of s (LOW=1 ... ERROR=5), or 0 if unknown.
func (s Severity) Rank() int {
	for i, known := range Severities {
		if s == known {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// System actor and action names used by records the pipeline writes itself.
const (
	SystemActorID        = "system"
	ActionCleanupExpired = "cleanup_expired"
	ActionPurgeArchived  = "purge_archived"
)

// unknownError fills ErrorMessage for failed records that carry none.
const unknownError = "unknown error"

// Record is one immutable, structured entry describing a security or
// compliance relevant action.
type Record struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	ActionType  ActionType `json:"action_type"`
	Action      string     `json:"action,omitempty"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description,omitempty"`

	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	ActorID    string `json:"actor_id,omitempty"`
	ActorEmail string `json:"actor_email,omitempty"`
	ActorRole  string `json:"actor_role,omitempty"`

	HTTPMethod string `json:"http_method,omitempty"`
	HTTPPath   string `json:"http_path,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	OldValues      map[string]interface{} `json:"old_values,omitempty"`
	NewValues      map[string]interface{} `json:"new_values,omitempty"`
	AffectedFields []string               `json:"affected_fields,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Normalize enforces the invariants that can be repaired rather than
// rejected: UTC timestamps, a default severity, and ErrorMessage present
// exactly when Success is false.
func (r *Record) Normalize() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	} else {
		r.Timestamp = r.Timestamp.UTC()
	}
	if r.Severity == "" {
		r.Severity = SeverityLow
	}
	if r.Success {
		r.ErrorMessage = ""
	} else if strings.TrimSpace(r.ErrorMessage) == "" {
		r.ErrorMessage = unknownError
	}
}

// Validate rejects records that cannot be persisted.
func (r *Record) Validate() error {
	if !r.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidRecord, r.ActionType)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRecord, r.Severity)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if r.Success == (r.ErrorMessage != "") {
		return fmt.Errorf("%w: error message must be present iff success is false", ErrInvalidRecord)
	}
	return nil
}

// IsArchived reports whether the retention scheduler has archived r.
func (r *Record) IsArchived() bool {
	return r.ArchivedAt != nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.OldValues = cloneMap(r.OldValues)
	c.NewValues = cloneMap(r.NewValues)
	c.Metadata = cloneMap(r.Metadata)
	if r.AffectedFields != nil {
		c.AffectedFields = append([]string(nil), r.AffectedFields...)
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		c.ReviewedAt = &t
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// Patch carries the only mutations permitted after persistence.
// Nil fields are left untouched.
type Patch struct {
	ReviewedBy *string
	ReviewedAt *time.Time
	ArchivedAt *time.Time

	// Unreviewed makes UpdateByID conditional: a record that already has a
	// review is left alone and ErrAlreadyReviewed is returned.
	Unreviewed bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.ReviewedBy == nil && p.ReviewedAt == nil && p.ArchivedAt == nil
}

// Apply writes the patch onto r.
func (p Patch) Apply(r *Record) {
	if p.ReviewedBy != nil {
		r.ReviewedBy = *p.ReviewedBy
	}
	if p.ReviewedAt != nil {
		t := p.ReviewedAt.UTC()
		r.ReviewedAt = &t
	}
	if p.ArchivedAt != nil {
		t := p.ArchivedAt.UTC()
		r.ArchivedAt = &t
	}
}

// Statistics aggregates a record population.
type Statistics struct {
	Total        int64                `json:"total"`
	ByActionType map[ActionType]int64 `json:"by_action_type"`
	BySeverity   map[Severity]int64   `json:"by_severity"`
	SuccessCount int64                `json:"success_count"`
	FailureCount int64                `json:"failure_count"`
	SuccessRate  float64              `json:"success_rate"`
}

// NewStatistics returns an empty Statistics with initialized maps.
func NewStatistics() *Statistics {
	return &Statistics{
		ByActionType: make(map[ActionType]int64),
		BySeverity:   make(map[Severity]int64),
	}
}

// ComputeRate derives Total and SuccessRate from the success/failure counts.
// An empty population has a success rate of 0.
func (s *Statistics) ComputeRate() {
	s.Total = s.SuccessCount + s.FailureCount
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.SuccessCount) / float64(s.Total)
}
