// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/auditpipe/internal/audit"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, offset time.Duration, at audit.ActionType, sev audit.Severity, ok bool) *audit.Record {
	r := &audit.Record{
		ID:         id,
		Timestamp:  base.Add(offset),
		ActionType: at,
		Severity:   sev,
		Success:    ok,
		ActorID:    "user-" + id,
		Resource:   "server",
	}
	if !ok {
		r.ErrorMessage = "denied"
	}
	return r
}

func seed(t *testing.T, s audit.Repository, records ...*audit.Record) {
	t.Helper()
	if _, err := s.CreateMany(context.Background(), records); err != nil {
		t.Fatalf("CreateMany() error = %v", err)
	}
}

func ids(records []*audit.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestMemoryStore_CreateManyAtomic(t *testing.T) {
	s := NewMemoryStore()
	batch := []*audit.Record{
		rec("a", 0, audit.ActionCreate, audit.SeverityLow, true),
		{ID: "bad", Timestamp: base, ActionType: "NOPE", Success: true},
		rec("c", time.Second, audit.ActionCreate, audit.SeverityLow, true),
	}

	_, err := s.CreateMany(context.Background(), batch)
	if !errors.Is(err, audit.ErrInvalidRecord) {
		t.Fatalf("CreateMany() error = %v, want ErrInvalidRecord", err)
	}
	if s.Len() != 0 {
		t.Errorf("store has %d records after failed batch, want 0", s.Len())
	}
}

func TestMemoryStore_CreateManySkipsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	first := rec("a", 0, audit.ActionCreate, audit.SeverityLow, true)
	first.Description = "original"
	seed(t, s, first)

	dup := rec("a", time.Hour, audit.ActionDelete, audit.SeverityHigh, true)
	dup.Description = "redelivered"
	got, err := s.CreateMany(context.Background(), []*audit.Record{dup, rec("b", 0, audit.ActionView, audit.SeverityLow, true)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("CreateMany() ids = %v, want 2", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	found, _, _ := s.FindMany(context.Background(), audit.Filter{ID: "a"}, audit.Page{})
	if len(found) != 1 || found[0].Description != "original" {
		t.Errorf("duplicate overwrote stored record: %+v", found)
	}
}

func TestMemoryStore_CreateManyNormalizes(t *testing.T) {
	s := NewMemoryStore()
	r := &audit.Record{ID: "n", ActionType: audit.ActionLogin, Success: false}
	seed(t, s, r)

	found, _, _ := s.FindMany(context.Background(), audit.Filter{ID: "n"}, audit.Page{})
	if len(found) != 1 {
		t.Fatal("record not stored")
	}
	if found[0].Severity != audit.SeverityLow || found[0].ErrorMessage == "" || found[0].Timestamp.IsZero() {
		t.Errorf("record not normalized: %+v", found[0])
	}
	if r.Severity != "" {
		t.Error("CreateMany mutated the caller's record")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, rec("a", 0, audit.ActionCreate, audit.SeverityLow, true))

	found, _, _ := s.FindMany(context.Background(), audit.Filter{}, audit.Page{})
	found[0].Description = "mutated"

	again, _, _ := s.FindMany(context.Background(), audit.Filter{}, audit.Page{})
	if again[0].Description != "" {
		t.Error("FindMany returned a reference to stored state")
	}
}

func queryFixture(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	seed(t, s,
		rec("r1", 1*time.Minute, audit.ActionCreate, audit.SeverityHigh, true),
		rec("r2", 2*time.Minute, audit.ActionCreate, audit.SeverityLow, false),
		rec("r3", 3*time.Minute, audit.ActionUpdate, audit.SeverityHigh, true),
		rec("r4", 4*time.Minute, audit.ActionCreate, audit.SeverityMedium, true),
		rec("r5", 5*time.Minute, audit.ActionDelete, audit.SeverityHigh, false),
	)
	return s
}

func TestMemoryStore_FindManyFilters(t *testing.T) {
	s := queryFixture(t)
	yes := true
	start := base.Add(2 * time.Minute)
	end := base.Add(4 * time.Minute)

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string
	}{
		{"severity high", audit.Filter{Severity: audit.SeverityHigh}, []string{"r5", "r3", "r1"}},
		{"create and success", audit.Filter{ActionType: audit.ActionCreate, Success: &yes}, []string{"r4", "r1"}},
		{"inclusive date range", audit.Filter{StartDate: &start, EndDate: &end}, []string{"r4", "r3", "r2"}},
		{"actor id", audit.Filter{Actor: "user-r2"}, []string{"r2"}},
		{"search case insensitive", audit.Filter{Search: "USER-R3"}, []string{"r3"}},
		{"no match", audit.Filter{Resource: "nothing"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := s.FindMany(context.Background(), tt.filter, audit.Page{Number: 1, Size: 10})
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(ids(got)) != fmt.Sprint(tt.want) {
				t.Errorf("FindMany() = %v, want %v", ids(got), tt.want)
			}
			if total != int64(len(tt.want)) {
				t.Errorf("total = %d, want %d", total, len(tt.want))
			}
		})
	}
}

func TestMemoryStore_Pagination(t *testing.T) {
	s := NewMemoryStore()
	// r1 is the newest so that page 2 holds the 3rd and 4th records.
	seed(t, s,
		rec("r1", 5*time.Minute, audit.ActionCreate, audit.SeverityLow, true),
		rec("r2", 4*time.Minute, audit.ActionCreate, audit.SeverityLow, true),
		rec("r3", 3*time.Minute, audit.ActionCreate, audit.SeverityLow, true),
		rec("r4", 2*time.Minute, audit.ActionCreate, audit.SeverityLow, true),
		rec("r5", 1*time.Minute, audit.ActionCreate, audit.SeverityLow, true),
	)

	got, total, err := s.FindMany(context.Background(), audit.Filter{}, audit.Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if fmt.Sprint(ids(got)) != "[r3 r4]" {
		t.Errorf("page 2 = %v, want [r3 r4]", ids(got))
	}

	past, _, _ := s.FindMany(context.Background(), audit.Filter{}, audit.Page{Number: 9, Size: 2})
	if len(past) != 0 {
		t.Errorf("page past the end = %v, want empty", ids(past))
	}
}

func TestMemoryStore_TieBreakByID(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s,
		rec("a", 0, audit.ActionView, audit.SeverityLow, true),
		rec("c", 0, audit.ActionView, audit.SeverityLow, true),
		rec("b", 0, audit.ActionView, audit.SeverityLow, true),
	)
	got, _, _ := s.FindMany(context.Background(), audit.Filter{}, audit.Page{})
	if fmt.Sprint(ids(got)) != "[c b a]" {
		t.Errorf("order = %v, want [c b a]", ids(got))
	}
}

func TestMemoryStore_UpdateAndArchive(t *testing.T) {
	s := queryFixture(t)
	ctx := context.Background()

	reviewer := "auditor"
	now := base.Add(time.Hour)
	if err := s.UpdateByID(ctx, "r1", audit.Patch{ReviewedBy: &reviewer, ReviewedAt: &now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateByID(ctx, "missing", audit.Patch{ReviewedBy: &reviewer}); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("UpdateByID(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateByID(ctx, "r1", audit.Patch{}); !errors.Is(err, audit.ErrEmptyPatch) {
		t.Errorf("UpdateByID(empty) = %v, want ErrEmptyPatch", err)
	}
	other := "second"
	err := s.UpdateByID(ctx, "r1", audit.Patch{ReviewedBy: &other, ReviewedAt: &now, Unreviewed: true})
	if !errors.Is(err, audit.ErrAlreadyReviewed) {
		t.Errorf("conditional UpdateByID(reviewed) = %v, want ErrAlreadyReviewed", err)
	}
	if err := s.UpdateByID(ctx, "r2", audit.Patch{ReviewedBy: &other, ReviewedAt: &now, Unreviewed: true}); err != nil {
		t.Errorf("conditional UpdateByID(unreviewed) = %v", err)
	}

	cutoff := base.Add(3 * time.Minute)
	n, err := s.UpdateMany(ctx, audit.Filter{Before: &cutoff}, audit.Patch{ArchivedAt: &now})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("UpdateMany() = %d, want 2", n)
	}

	_, visible, _ := s.FindMany(ctx, audit.Filter{}, audit.Page{})
	if visible != 3 {
		t.Errorf("default query sees %d records, want 3", visible)
	}
	archived, _, _ := s.FindMany(ctx, audit.Filter{ArchivedOnly: true}, audit.Page{})
	if fmt.Sprint(ids(archived)) != "[r2 r1]" {
		t.Errorf("archived = %v, want [r2 r1]", ids(archived))
	}
	if archived[1].ReviewedBy != reviewer || archived[1].ReviewedAt == nil {
		t.Errorf("review fields lost: %+v", archived[1])
	}
	_, all, _ := s.FindMany(ctx, audit.Filter{IncludeArchived: true}, audit.Page{})
	if all != 5 {
		t.Errorf("IncludeArchived total = %d, want 5", all)
	}
}

func TestMemoryStore_DeleteMany(t *testing.T) {
	s := queryFixture(t)
	n, err := s.DeleteMany(context.Background(), audit.Filter{Severity: audit.SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || s.Len() != 2 {
		t.Errorf("DeleteMany() = %d, Len() = %d; want 3, 2", n, s.Len())
	}
}

func TestMemoryStore_Aggregate(t *testing.T) {
	s := queryFixture(t)
	stats, err := s.Aggregate(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 5 || stats.SuccessCount != 3 || stats.FailureCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 0.6 {
		t.Errorf("SuccessRate = %v, want 0.6", stats.SuccessRate)
	}
	if stats.ByActionType[audit.ActionCreate] != 3 || stats.BySeverity[audit.SeverityHigh] != 3 {
		t.Errorf("breakdown = %v %v", stats.ByActionType, stats.BySeverity)
	}

	empty, _ := NewMemoryStore().Aggregate(context.Background(), audit.Filter{})
	if empty.Total != 0 || empty.SuccessRate != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestFlakyRepository(t *testing.T) {
	mem := NewMemoryStore()
	f := NewFlaky(mem)
	f.FailNextWrites(1)

	batch := []*audit.Record{rec("a", 0, audit.ActionCreate, audit.SeverityLow, true)}
	if _, err := f.CreateMany(context.Background(), batch); !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("first write = %v, want ErrInjectedFault", err)
	}
	if mem.Len() != 0 {
		t.Error("failed write became visible")
	}
	if _, err := f.CreateMany(context.Background(), batch); err != nil {
		t.Fatalf("second write = %v", err)
	}
	if f.WriteCalls() != 2 || mem.Len() != 1 {
		t.Errorf("WriteCalls() = %d, Len() = %d", f.WriteCalls(), mem.Len())
	}

	f.FailReads(true)
	if _, _, err := f.FindMany(context.Background(), audit.Filter{}, audit.Page{}); !errors.Is(err, ErrInjectedFault) {
		t.Errorf("FindMany() = %v, want ErrInjectedFault", err)
	}
	if _, err := f.Aggregate(context.Background(), audit.Filter{}); !errors.Is(err, ErrInjectedFault) {
		t.Errorf("Aggregate() = %v, want ErrInjectedFault", err)
	}
}
