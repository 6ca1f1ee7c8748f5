// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/auditpipe/internal/query"
	"github.com/tomtom215/auditpipe/internal/validation"
)

const dateOnly = "2006-01-02"

// parseFilterParams reads the shared filter query parameters. Dates are
// RFC 3339 or YYYY-MM-DD; a date-only end_date covers that whole day.
func parseFilterParams(q url.Values) (query.FilterParams, *validation.RequestValidationError) {
	p := query.FilterParams{
		ActionType: q.Get("action_type"),
		Severity:   q.Get("severity"),
		Actor:      q.Get("actor"),
		Resource:   q.Get("resource"),
		Search:     q.Get("search"),
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, validation.NewFieldError("success", "boolean", v, "success must be true or false")
		}
		p.Success = &b
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, validation.NewFieldError("include_archived", "boolean", v, "include_archived must be true or false")
		}
		p.IncludeArchived = b
	}

	start, verr := parseDate(q, "start_date", false)
	if verr != nil {
		return p, verr
	}
	end, verr := parseDate(q, "end_date", true)
	if verr != nil {
		return p, verr
	}
	p.StartDate, p.EndDate = start, end
	return p, nil
}

func parseDate(q url.Values, key string, endOfDay bool) (*time.Time, *validation.RequestValidationError) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return nil, validation.NewFieldError(key, "datetime", v, key+" must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseListRequest(q url.Values) (query.ListRequest, *validation.RequestValidationError) {
	fp, verr := parseFilterParams(q)
	if verr != nil {
		return query.ListRequest{}, verr
	}
	page, verr := parseInt(q, "page")
	if verr != nil {
		return query.ListRequest{}, verr
	}
	size, verr := parseInt(q, "page_size")
	if verr != nil {
		return query.ListRequest{}, verr
	}
	return query.ListRequest{FilterParams: fp, Page: page, PageSize: size}, nil
}

// parseInt returns 0 for an absent parameter so the engine applies its
// default.
func parseInt(q url.Values, key string) (int, *validation.RequestValidationError) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, validation.NewFieldError(key, "number", v, key+" must be an integer")
	}
	return n, nil
}
