// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package audit

import (
	"strings"
	"time"
)

// Filter selects records. Zero-valued fields do not constrain the result.
// Archived records are excluded unless IncludeArchived or ArchivedOnly is set.
type Filter struct {
	ID         string     `json:"id,omitempty"`
	ActionType ActionType `json:"action_type,omitempty"`
	Severity   Severity   `json:"severity,omitempty"`

	// Actor matches either the actor ID or the actor email.
	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Success  *bool  `json:"success,omitempty"`

	// StartDate and EndDate are both inclusive.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Search is a case-insensitive substring match over description,
	// actor ID, actor email, resource and resource ID.
	Search string `json:"search,omitempty"`

	IncludeArchived bool `json:"include_archived,omitempty"`
	ArchivedOnly    bool `json:"archived_only,omitempty"`

	// Before matches timestamps strictly older than the given instant.
	Before *time.Time `json:"before,omitempty"`
	// ArchivedBefore matches records archived strictly before the instant.
	ArchivedBefore *time.Time `json:"archived_before,omitempty"`
}

// Matches reports whether r satisfies every constraint in f.
func (f *Filter) Matches(r *Record) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if !f.matchesArchival(r) {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if f.Actor != "" && r.ActorID != f.Actor && r.ActorEmail != f.Actor {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	if f.StartDate != nil && r.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.Timestamp.After(*f.EndDate) {
		return false
	}
	if f.Before != nil && !r.Timestamp.Before(*f.Before) {
		return false
	}
	if f.Search != "" && !matchesSearch(r, f.Search) {
		return false
	}
	return true
}

func (f *Filter) matchesArchival(r *Record) bool {
	switch {
	case f.ArchivedOnly:
		if r.ArchivedAt == nil {
			return false
		}
	case !f.IncludeArchived:
		if r.ArchivedAt != nil {
			return false
		}
	}
	if f.ArchivedBefore != nil {
		if r.ArchivedAt == nil || !r.ArchivedAt.Before(*f.ArchivedBefore) {
			return false
		}
	}
	return true
}

func matchesSearch(r *Record, search string) bool {
	needle := strings.ToLower(search)
	for _, field := range []string{r.Description, r.ActorID, r.ActorEmail, r.Resource, r.ResourceID} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// Page selects a 1-indexed slice of an ordered result set.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of records to skip. Page numbers below 1
// are treated as the first page.
func (p Page) Offset() int {
	if p.Number < 1 || p.Size < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}
