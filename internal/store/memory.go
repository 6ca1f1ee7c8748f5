// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tomtom215/auditpipe/internal/audit"
)

// MemoryStore implements audit.Repository in memory. It backs the embedded
// development mode and the test suites. Records are cloned on the way in
// and out, so callers can never mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*audit.Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*audit.Record)}
}

// CreateMany validates every record before inserting any of them, so a bad
// record leaves the store untouched. Existing IDs are skipped.
func (s *MemoryStore) CreateMany(ctx context.Context, records []*audit.Record) ([]string, error) {
	prepared, err := prepareBatch(records)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(prepared))
	for _, r := range prepared {
		if _, exists := s.records[r.ID]; !exists {
			s.records[r.ID] = r
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// FindMany returns one page of matching records, newest first.
func (s *MemoryStore) FindMany(ctx context.Context, filter audit.Filter, page audit.Page) ([]*audit.Record, int64, error) {
	s.mu.RLock()
	matched := make([]*audit.Record, 0)
	for _, r := range s.records {
		if filter.Matches(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	total := int64(len(matched))

	start := page.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if page.Size > 0 && start+page.Size < end {
		end = start + page.Size
	}

	out := make([]*audit.Record, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, r.Clone())
	}
	return out, total, nil
}

// UpdateByID applies patch to one record.
func (s *MemoryStore) UpdateByID(ctx context.Context, id string, patch audit.Patch) error {
	if patch.IsEmpty() {
		return audit.ErrEmptyPatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	}
	if patch.Unreviewed && r.ReviewedAt != nil {
		return fmt.Errorf("%w: %s by %s", audit.ErrAlreadyReviewed, id, r.ReviewedBy)
	}
	patch.Apply(r)
	return nil
}

// UpdateMany applies patch to every matching record.
func (s *MemoryStore) UpdateMany(ctx context.Context, filter audit.Filter, patch audit.Patch) (int64, error) {
	if patch.IsEmpty() {
		return 0, audit.ErrEmptyPatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.records {
		if filter.Matches(r) {
			patch.Apply(r)
			n++
		}
	}
	return n, nil
}

// DeleteMany removes every matching record.
func (s *MemoryStore) DeleteMany(ctx context.Context, filter audit.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if filter.Matches(r) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Aggregate computes statistics over the matching records.
func (s *MemoryStore) Aggregate(ctx context.Context, filter audit.Filter) (*audit.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := audit.NewStatistics()
	for _, r := range s.records {
		if !filter.Matches(r) {
			continue
		}
		stats.ByActionType[r.ActionType]++
		stats.BySeverity[r.Severity]++
		if r.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	stats.ComputeRate()
	return stats, nil
}

// Len returns the number of stored records, archived ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// prepareBatch normalizes and validates a batch, returning private copies.
func prepareBatch(records []*audit.Record) ([]*audit.Record, error) {
	out := make([]*audit.Record, 0, len(records))
	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("%w: record %d is nil", audit.ErrInvalidRecord, i)
		}
		c := r.Clone()
		c.Normalize()
		if c.ID == "" {
			return nil, fmt.Errorf("%w: record %d has no id", audit.ErrInvalidRecord, i)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func sortNewestFirst(records []*audit.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID > records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}

var _ audit.Repository = (*MemoryStore)(nil)
