// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package query serves filtered, paginated and aggregated views of stored
// audit records.
//
// Statistics and recent-per-actor lookups go through the cache first. The
// cache is never a source of truth: a failing cache backend silently falls
// back to storage, while a failing storage backend surfaces as
// audit.ErrStorageUnavailable rather than an empty result.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
	"github.com/tomtom215/auditpipe/internal/validation"
)

// Config holds query engine settings.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	StatsTTL        time.Duration
	RecentTTL       time.Duration
	// RecentLimit caps Recent's n.
	RecentLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: 20,
		MaxPageSize:     100,
		StatsTTL:        5 * time.Minute,
		RecentTTL:       time.Minute,
		RecentLimit:     100,
	}
}

// Archiver performs retention passes. *retention.Scheduler implements it.
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, ageDays int) (int64, error)
	Purge(ctx context.Context, olderThanDays int) (int64, error)
}

// Engine answers queries. Cache and Archiver are optional.
type Engine struct {
	cfg      Config
	repo     audit.Repository
	cache    cache.Cacher
	archiver Archiver
	now      func() time.Time
}

// New creates an Engine.
func New(cfg Config, repo audit.Repository, c cache.Cacher, archiver Archiver) *Engine {
	d := DefaultConfig()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = d.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = d.MaxPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = d.StatsTTL
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = d.RecentTTL
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = d.RecentLimit
	}
	return &Engine{
		cfg:      cfg,
		repo:     repo,
		cache:    c,
		archiver: archiver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Find returns one page of matching records, newest first.
func (e *Engine) Find(ctx context.Context, req ListRequest) (*ListResult, error) {
	defer metrics.ObserveQuery("find", time.Now())

	if verr := validation.ValidateStruct(&req); verr != nil {
		return nil, invalid(verr)
	}
	filter, err := req.FilterParams.toFilter()
	if err != nil {
		return nil, err
	}

	page := audit.Page{Number: req.Page, Size: e.clampPageSize(req.PageSize)}
	if page.Number < 1 {
		page.Number = 1
	}

	records, total, err := e.repo.FindMany(ctx, filter, page)
	if err != nil {
		return nil, unavailable("find", err)
	}

	totalPages := int((total + int64(page.Size) - 1) / int64(page.Size))
	return &ListResult{
		Records:    records,
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: totalPages,
	}, nil
}

// Get returns one record by ID, archived or not.
func (e *Engine) Get(ctx context.Context, id string) (*audit.Record, error) {
	defer metrics.ObserveQuery("get", time.Now())

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid(validation.NewFieldError("id", "required", id, "id is required"))
	}

	records, _, err := e.repo.FindMany(ctx, audit.Filter{ID: id, IncludeArchived: true}, audit.Page{Number: 1, Size: 1})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	}
	return records[0], nil
}

// Statistics aggregates the matching population. The second result
// reports whether the answer came from the cache.
func (e *Engine) Statistics(ctx context.Context, req StatsRequest) (*audit.Statistics, bool, error) {
	defer metrics.ObserveQuery("statistics", time.Now())

	if verr := validation.ValidateStruct(&req); verr != nil {
		return nil, false, invalid(verr)
	}
	filter, err := req.FilterParams.toFilter()
	if err != nil {
		return nil, false, err
	}

	key := cache.GenerateKey(cache.NamespaceStats, filter)
	var cached audit.Statistics
	hit, healthy := cache.Lookup(ctx, e.cache, cache.NamespaceStats, key, &cached)
	if hit {
		return &cached, true, nil
	}

	stats, err := e.repo.Aggregate(ctx, filter)
	if err != nil {
		return nil, false, unavailable("statistics", err)
	}
	if healthy {
		e.put(ctx, key, stats, e.cfg.StatsTTL)
	}
	return stats, false, nil
}

// Recent returns the n most recent records of an actor, matched by ID or
// email.
func (e *Engine) Recent(ctx context.Context, actor string, n int) ([]*audit.Record, bool, error) {
	defer metrics.ObserveQuery("recent", time.Now())

	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, false, invalid(validation.NewFieldError("actor", "required", actor, "actor is required"))
	}
	if n <= 0 {
		n = e.cfg.DefaultPageSize
	}
	if n > e.cfg.RecentLimit {
		n = e.cfg.RecentLimit
	}

	params := struct {
		Actor string `json:"actor"`
		N     int    `json:"n"`
	}{actor, n}
	key := cache.GenerateKey(cache.NamespaceRecent, params)

	var cached []*audit.Record
	hit, healthy := cache.Lookup(ctx, e.cache, cache.NamespaceRecent, key, &cached)
	if hit {
		return cached, true, nil
	}

	records, _, err := e.repo.FindMany(ctx, audit.Filter{Actor: actor}, audit.Page{Number: 1, Size: n})
	if err != nil {
		return nil, false, unavailable("recent", err)
	}
	if healthy {
		e.put(ctx, key, records, e.cfg.RecentTTL)
	}
	return records, false, nil
}

// MarkReviewed records that reviewer looked at the record.
func (e *Engine) MarkReviewed(ctx context.Context, id, reviewer string) (*audit.Record, error) {
	defer metrics.ObserveQuery("mark_reviewed", time.Now())

	req := ReviewRequest{Reviewer: strings.TrimSpace(reviewer)}
	if verr := validation.ValidateStruct(&req); verr != nil {
		return nil, invalid(verr)
	}

	current, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ReviewedAt != nil {
		return nil, fmt.Errorf("%w: %s by %s", audit.ErrAlreadyReviewed, id, current.ReviewedBy)
	}

	// The conditional update settles concurrent reviewers; the check above
	// only spares storage the common case.
	now := e.now()
	patch := audit.Patch{ReviewedBy: &req.Reviewer, ReviewedAt: &now, Unreviewed: true}
	if err := e.repo.UpdateByID(ctx, current.ID, patch); err != nil {
		return nil, unavailable("mark_reviewed", err)
	}
	e.invalidate(ctx)

	current.ReviewedBy = req.Reviewer
	current.ReviewedAt = &now
	logging.Ctx(ctx).Info().Str("id", current.ID).Str("reviewer", req.Reviewer).Msg("Audit record reviewed")
	return current, nil
}

// Archive runs an archival pass on demand.
func (e *Engine) Archive(ctx context.Context, ageDays int) (int64, error) {
	if e.archiver == nil {
		return 0, fmt.Errorf("%w: retention is not configured", audit.ErrStorageUnavailable)
	}
	n, err := e.archiver.ArchiveOlderThan(ctx, ageDays)
	if err != nil {
		return 0, unavailable("archive", err)
	}
	return n, nil
}

// Purge hard-deletes records archived more than olderThanDays ago.
func (e *Engine) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	if e.archiver == nil {
		return 0, fmt.Errorf("%w: retention is not configured", audit.ErrStorageUnavailable)
	}
	n, err := e.archiver.Purge(ctx, olderThanDays)
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return n, nil
}

func (e *Engine) clampPageSize(size int) int {
	if size <= 0 {
		return e.cfg.DefaultPageSize
	}
	if size > e.cfg.MaxPageSize {
		return e.cfg.MaxPageSize
	}
	return size
}

func (e *Engine) put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := e.cache.Put(ctx, key, value, ttl); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("key", key).Msg("Cache write skipped")
	}
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, ""); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Cache invalidation failed")
	}
}

// invalid wraps a validation failure so that callers can match
// audit.ErrInvalidFilter and still reach the field details.
func invalid(verr *validation.RequestValidationError) error {
	return fmt.Errorf("%w: %w", audit.ErrInvalidFilter, verr)
}

// unavailable passes domain errors through and reports everything else
// as a storage outage.
func unavailable(op string, err error) error {
	for _, known := range []error{
		audit.ErrNotFound,
		audit.ErrInvalidFilter,
		audit.ErrRunInProgress,
		audit.ErrAlreadyReviewed,
		audit.ErrStorageUnavailable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	logging.Error().Err(err).Str("operation", op).Msg("Audit storage query failed")
	return fmt.Errorf("%w: %s: %v", audit.ErrStorageUnavailable, op, err)
}
