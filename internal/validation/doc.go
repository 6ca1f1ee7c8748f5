// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package validation provides struct validation using go-playground/validator v10.
//
// A single validator instance is shared by the process. Struct information
// is cached after the first call, and the instance is safe for concurrent use.
//
// # Audit Tags
//
// Besides the built-in tags, two tags check audit enumerations:
//   - actiontype: one of the audit action types (CREATE, UPDATE, ...)
//   - severity: one of LOW, MEDIUM, HIGH, CRITICAL, ERROR
//
// Both accept any letter case; callers normalize before building filters.
//
// # Usage
//
//	type ListRequest struct {
//	    ActionType string `validate:"omitempty,actiontype"`
//	    Page       int    `validate:"gte=0"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    apiErr := verr.ToAPIError()
//	    // apiErr.Code == "VALIDATION_ERROR"
//	}
//
// Checks that tags cannot express, such as a date range whose end precedes
// its start, use NewFieldError so that every validation failure has the
// same shape.
package validation
