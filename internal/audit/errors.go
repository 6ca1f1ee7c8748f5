// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package audit

import "errors"

var (
	// ErrNotFound is returned when no record has the requested ID.
	ErrNotFound = errors.New("audit: record not found")

	// ErrInvalidRecord is returned when a record violates a model invariant.
	ErrInvalidRecord = errors.New("audit: invalid record")

	// ErrInvalidFilter is returned for malformed query parameters.
	ErrInvalidFilter = errors.New("audit: invalid filter")

	// ErrStorageUnavailable is returned when the repository cannot serve a query.
	ErrStorageUnavailable = errors.New("audit: storage unavailable")

	// ErrAlreadyReviewed is returned when marking a reviewed record again.
	ErrAlreadyReviewed = errors.New("audit: record already reviewed")

	// ErrRunInProgress is returned when a retention pass is already running.
	ErrRunInProgress = errors.New("audit: retention run in progress")

	// ErrEmptyPatch is returned when an update carries no changes.
	ErrEmptyPatch = errors.New("audit: empty patch")
)
