// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package store

import (
	"context"
	"errors"
	"sync"

	"github.com/tomtom215/auditpipe/internal/audit"
)

// ErrInjectedFault is returned by FlakyRepository while a fault is armed.
var ErrInjectedFault = errors.New("store: injected fault")

// FlakyRepository wraps a Repository and fails a configurable number of
// upcoming writes. It simulates storage outages in tests and in the
// embedded development mode.
type FlakyRepository struct {
	audit.Repository

	mu         sync.Mutex
	failWrites int
	failReads  bool
	writeCalls int
}

// NewFlaky wraps repo.
func NewFlaky(repo audit.Repository) *FlakyRepository {
	return &FlakyRepository{Repository: repo}
}

// FailNextWrites makes the next n CreateMany calls fail without writing.
func (f *FlakyRepository) FailNextWrites(n int) {
	f.mu.Lock()
	f.failWrites = n
	f.mu.Unlock()
}

// FailReads makes every read fail until called again with false.
func (f *FlakyRepository) FailReads(fail bool) {
	f.mu.Lock()
	f.failReads = fail
	f.mu.Unlock()
}

// WriteCalls returns how many times CreateMany was called.
func (f *FlakyRepository) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCalls
}

// CreateMany implements audit.Repository.
func (f *FlakyRepository) CreateMany(ctx context.Context, records []*audit.Record) ([]string, error) {
	f.mu.Lock()
	f.writeCalls++
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return nil, ErrInjectedFault
	}
	f.mu.Unlock()
	return f.Repository.CreateMany(ctx, records)
}

// FindMany implements audit.Repository.
func (f *FlakyRepository) FindMany(ctx context.Context, filter audit.Filter, page audit.Page) ([]*audit.Record, int64, error) {
	if f.readsFailing() {
		return nil, 0, ErrInjectedFault
	}
	return f.Repository.FindMany(ctx, filter, page)
}

// Aggregate implements audit.Repository.
func (f *FlakyRepository) Aggregate(ctx context.Context, filter audit.Filter) (*audit.Statistics, error) {
	if f.readsFailing() {
		return nil, ErrInjectedFault
	}
	return f.Repository.Aggregate(ctx, filter)
}

func (f *FlakyRepository) readsFailing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failReads
}
