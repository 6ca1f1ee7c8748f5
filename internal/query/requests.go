// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package query

import (
	"strings"
	"time"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/validation"
)

// FilterParams is the caller-facing form of audit.Filter. Enum fields are
// accepted in any case.
type FilterParams struct {
	ActionType      string     `json:"action_type" validate:"omitempty,actiontype"`
	Severity        string     `json:"severity" validate:"omitempty,severity"`
	Actor           string     `json:"actor" validate:"max=320"`
	Resource        string     `json:"resource" validate:"max=128"`
	Success         *bool      `json:"success"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date"`
	Search          string     `json:"search" validate:"max=200"`
	IncludeArchived bool       `json:"include_archived"`
}

// ListRequest asks for one page of records. Zero Page and PageSize select
// the first page and the default size.
type ListRequest struct {
	FilterParams
	Page     int `json:"page" validate:"gte=0"`
	PageSize int `json:"page_size" validate:"gte=0"`
}

// StatsRequest asks for aggregates over the filtered population.
type StatsRequest struct {
	FilterParams
}

// ReviewRequest names who reviewed a record.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required,max=320"`
}

// ListResult is one page of a query.
type ListResult struct {
	Records    []*audit.Record `json:"records"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// toFilter converts validated params into a repository filter.
func (p FilterParams) toFilter() (audit.Filter, error) {
	f := audit.Filter{
		ActionType:      audit.ActionType(strings.ToUpper(strings.TrimSpace(p.ActionType))),
		Severity:        audit.Severity(strings.ToUpper(strings.TrimSpace(p.Severity))),
		Actor:           strings.TrimSpace(p.Actor),
		Resource:        strings.TrimSpace(p.Resource),
		Search:          strings.TrimSpace(p.Search),
		IncludeArchived: p.IncludeArchived,
	}
	if p.Success != nil {
		ok := *p.Success
		f.Success = &ok
	}
	if p.StartDate != nil {
		t := p.StartDate.UTC()
		f.StartDate = &t
	}
	if p.EndDate != nil {
		t := p.EndDate.UTC()
		f.EndDate = &t
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return audit.Filter{}, invalid(validation.NewFieldError(
			"end_date", "gtefield", f.EndDate.Format(time.RFC3339),
			"end_date must not be before start_date",
		))
	}
	return f, nil
}
