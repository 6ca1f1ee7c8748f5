// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package retention archives aged audit records on a schedule and offers an
// explicit purge of archived ones.
//
// Archival is a soft marker: ArchivedAt is set and the record drops out of
// default queries. Each pass that changes anything writes a summary record
// of its own through the normal capture path, so retention is itself
// audited. Only one pass, archive or purge, runs at a time.
package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/capture"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// Operation labels.
const (
	OpArchive = "archive"
	OpPurge   = "purge"
)

// summaryResource is the resource named by summary records.
const summaryResource = "audit_records"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds scheduler settings.
type Config struct {
	// Days is the archival horizon used by scheduled runs.
	Days int
	// Schedule is a five-field cron expression or descriptor such as @daily.
	Schedule string
	// RunTimeout bounds a scheduled pass.
	RunTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Days: 90, Schedule: "@daily", RunTimeout: 10 * time.Minute}
}

// Recorder receives summary records. *capture.Hook implements it.
type Recorder interface {
	Capture(ctx context.Context, ac capture.ActionContext)
}

// Scheduler runs archival passes. It is a suture.Service.
type Scheduler struct {
	cfg      Config
	repo     audit.Repository
	recorder Recorder
	cache    cache.Cacher

	running atomic.Bool
	now     func() time.Time
}

// New creates a Scheduler. c may be nil.
func New(cfg Config, repo audit.Repository, recorder Recorder, c cache.Cacher) (*Scheduler, error) {
	d := DefaultConfig()
	if cfg.Days <= 0 {
		cfg.Days = d.Days
	}
	if cfg.Schedule == "" {
		cfg.Schedule = d.Schedule
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = d.RunTimeout
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	if repo == nil || recorder == nil {
		return nil, fmt.Errorf("retention: repository and recorder are required")
	}
	return &Scheduler{
		cfg:      cfg,
		repo:     repo,
		recorder: recorder,
		cache:    c,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// ArchiveOlderThan marks every unarchived record older than ageDays as
// archived and returns how many were marked. Running it again immediately
// returns 0 and writes no summary record.
func (s *Scheduler) ArchiveOlderThan(ctx context.Context, ageDays int) (int64, error) {
	if ageDays < 1 {
		return 0, fmt.Errorf("%w: age_days must be at least 1, got %d", audit.ErrInvalidFilter, ageDays)
	}
	if !s.running.CompareAndSwap(false, true) {
		return 0, audit.ErrRunInProgress
	}
	defer s.running.Store(false)

	now := s.now()
	cutoff := now.AddDate(0, 0, -ageDays)

	n, err := s.repo.UpdateMany(ctx, audit.Filter{Before: &cutoff}, audit.Patch{ArchivedAt: &now})
	metrics.RecordRetention(OpArchive, n, err)
	if err != nil {
		return 0, fmt.Errorf("archive records older than %d days: %w", ageDays, err)
	}
	if n == 0 {
		logging.Debug().Int("age_days", ageDays).Msg("No audit records to archive")
		return 0, nil
	}

	logging.Info().Int64("archived", n).Int("age_days", ageDays).Time("cutoff", cutoff).Msg("Archived expired audit records")
	s.invalidate(ctx)
	s.recorder.Capture(ctx, capture.ActionContext{
		Timestamp:   now,
		ActionType:  audit.ActionArchive,
		Action:      audit.ActionCleanupExpired,
		Severity:    audit.SeverityMedium,
		Description: fmt.Sprintf("Archived %d audit records older than %d days", n, ageDays),
		Resource:    summaryResource,
		ActorID:     audit.SystemActorID,
		Metadata: map[string]interface{}{
			"count":    n,
			"age_days": ageDays,
			"cutoff":   cutoff.Format(time.RFC3339),
		},
	})
	return n, nil
}

// Purge hard-deletes records archived more than olderThanDays ago. It is
// never scheduled.
func (s *Scheduler) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("%w: older_than_days must be at least 1, got %d", audit.ErrInvalidFilter, olderThanDays)
	}
	if !s.running.CompareAndSwap(false, true) {
		return 0, audit.ErrRunInProgress
	}
	defer s.running.Store(false)

	now := s.now()
	cutoff := now.AddDate(0, 0, -olderThanDays)

	n, err := s.repo.DeleteMany(ctx, audit.Filter{ArchivedOnly: true, ArchivedBefore: &cutoff})
	metrics.RecordRetention(OpPurge, n, err)
	if err != nil {
		return 0, fmt.Errorf("purge records archived before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n == 0 {
		return 0, nil
	}

	logging.Warn().Int64("purged", n).Int("older_than_days", olderThanDays).Msg("Purged archived audit records")
	s.invalidate(ctx)
	s.recorder.Capture(ctx, capture.ActionContext{
		Timestamp:   now,
		ActionType:  audit.ActionPurge,
		Action:      audit.ActionPurgeArchived,
		Severity:    audit.SeverityHigh,
		Description: fmt.Sprintf("Purged %d audit records archived more than %d days ago", n, olderThanDays),
		Resource:    summaryResource,
		ActorID:     audit.SystemActorID,
		Metadata: map[string]interface{}{
			"count":           n,
			"older_than_days": olderThanDays,
			"cutoff":          cutoff.Format(time.RFC3339),
		},
	})
	return n, nil
}

// Serve implements suture.Service. It runs ArchiveOlderThan(cfg.Days) on
// the configured schedule until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}

	c.Start()
	logging.Info().Str("schedule", s.cfg.Schedule).Int("days", s.cfg.Days).Msg("Retention scheduler started")

	<-ctx.Done()
	// Wait for a pass already in flight.
	<-c.Stop().Done()
	logging.Info().Msg("Retention scheduler stopped")
	return nil
}

// String implements fmt.Stringer for suture logging.
func (s *Scheduler) String() string {
	return "retention-scheduler"
}

func (s *Scheduler) runScheduled(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.ArchiveOlderThan(ctx, s.cfg.Days); err != nil {
		// The next tick retries; archival is idempotent.
		logging.Error().Err(err).Int("days", s.cfg.Days).Msg("Scheduled archival failed")
	}
}

func (s *Scheduler) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ""); err != nil {
		logging.Warn().Err(err).Msg("Cache invalidation after retention failed")
	}
}
