// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package audit

import "context"

// Repository is the persistence contract for audit records.
//
// Implementations must make CreateMany atomic: either every record of the
// call becomes visible or none does. Records whose ID already exists are
// skipped so that queue redelivery is idempotent.
//
// FindMany orders by timestamp descending, then ID descending.
type Repository interface {
	CreateMany(ctx context.Context, records []*Record) ([]string, error)
	FindMany(ctx context.Context, filter Filter, page Page) ([]*Record, int64, error)
	UpdateByID(ctx context.Context, id string, patch Patch) error
	UpdateMany(ctx context.Context, filter Filter, patch Patch) (int64, error)
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	Aggregate(ctx context.Context, filter Filter) (*Statistics, error)
}
