// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package pipeline assembles the audit pipeline from configuration: queue,
// storage, dead-letter sink, cache, signals, capture hook, batch writer,
// retention scheduler and query engine.
//
// Build opens backends in dependency order and Close releases them in the
// reverse order. The long-running parts are exposed as suture services so
// the supervisor tree owns their lifecycle:
//
//	p, err := pipeline.Build(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	for _, svc := range p.StorageServices() {
//	    tree.AddStorageService(svc)
//	}
//	for _, svc := range p.PipelineServices() {
//	    tree.AddPipelineService(svc)
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/capture"
	"github.com/tomtom215/auditpipe/internal/config"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/notify"
	"github.com/tomtom215/auditpipe/internal/query"
	"github.com/tomtom215/auditpipe/internal/queue"
	"github.com/tomtom215/auditpipe/internal/redact"
	"github.com/tomtom215/auditpipe/internal/retention"
	"github.com/tomtom215/auditpipe/internal/store"
	"github.com/tomtom215/auditpipe/internal/writer"
)

// Pipeline holds every assembled component.
type Pipeline struct {
	Queue      queue.Backend
	Repo       audit.Repository
	DeadLetter *deadletter.BadgerSink
	Cache      cache.Cacher
	Signals    *notify.Notifier
	Hook       *capture.Hook
	Writer     *writer.Writer
	// Retention serves on-demand passes even when scheduled archival is
	// disabled; it is then left out of PipelineServices.
	Retention *retention.Scheduler
	Engine    *query.Engine

	scheduled bool
	guard     *cache.Guarded
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Build assembles the pipeline. On error every backend opened so far is
// closed again.
func Build(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{scheduled: cfg.Retention.Enabled}
	if err := p.build(ctx, cfg); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context, cfg *config.Config) error {
	var err error

	p.Repo, err = p.openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	p.DeadLetter, err = deadletter.Open(deadletter.Config{
		Path:       cfg.DeadLetter.Path,
		InMemory:   cfg.DeadLetter.Path == "",
		SyncWrites: cfg.DeadLetter.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open dead-letter sink: %w", err)
	}
	p.onClose("deadletter", p.DeadLetter.Close)

	p.Queue = queue.Open(ctx, queue.Config{
		RedisAddr:      cfg.Queue.RedisAddr,
		RedisPassword:  cfg.Queue.RedisPassword,
		RedisDB:        cfg.Queue.RedisDB,
		Key:            cfg.Queue.Key,
		BufferSize:     cfg.Queue.BufferSize,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
		PollInterval:   cfg.Queue.PollInterval,
		ProbeTimeout:   cfg.Queue.ProbeTimeout,
	})
	p.onClose("queue", p.Queue.Close)

	p.Cache = p.openCache(ctx, cfg.Cache)

	p.Signals, err = openSignals(cfg.Signals)
	if err != nil {
		return err
	}
	p.onClose("signals", p.Signals.Close)

	p.Hook = capture.NewHook(p.Queue, redact.New(cfg.Redaction.Denylist))

	p.Writer, err = writer.New(writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		Workers:       cfg.Writer.Workers,
		MaxAttempts:   cfg.Writer.MaxAttempts,
		BackoffBase:   cfg.Writer.BackoffBase,
		BackoffFactor: cfg.Writer.BackoffFactor,
		BackoffMax:    cfg.Writer.BackoffMax,
		DrainTimeout:  cfg.Writer.DrainTimeout,
	}, writer.Deps{
		Queue:      p.Queue,
		Repo:       p.Repo,
		DeadLetter: p.DeadLetter,
		Cache:      p.Cache,
		Signals:    p.Signals,
	})
	if err != nil {
		return fmt.Errorf("create batch writer: %w", err)
	}

	p.Retention, err = retention.New(retention.Config{
		Days:     cfg.Retention.Days,
		Schedule: cfg.Retention.Schedule,
	}, p.Repo, p.Hook, p.Cache)
	if err != nil {
		return fmt.Errorf("create retention scheduler: %w", err)
	}

	p.Engine = query.New(query.Config{
		DefaultPageSize: cfg.Query.DefaultPageSize,
		MaxPageSize:     cfg.Query.MaxPageSize,
		StatsTTL:        cfg.Query.StatsTTL,
		RecentTTL:       cfg.Query.RecentTTL,
	}, p.Repo, p.Cache, p.Retention)

	if !p.scheduled {
		logging.Info().Msg("Scheduled archival disabled")
	}

	logging.Info().
		Str("queue", p.Queue.Name()).
		Str("storage", cfg.Storage.Driver).
		Int("batch_size", p.Writer.Config().BatchSize).
		Dur("flush_interval", p.Writer.Config().FlushInterval).
		Int("workers", p.Writer.Config().Workers).
		Msg("Audit pipeline assembled")
	return nil
}

func (p *Pipeline) openStore(ctx context.Context, cfg config.StorageConfig) (audit.Repository, error) {
	if cfg.Driver == config.DriverMemory {
		logging.Warn().Msg("Using in-memory audit storage: records do not survive a restart")
		return store.NewMemoryStore(), nil
	}

	s, err := store.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}
	p.onClose("storage", s.Close)

	if err := s.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return s, nil
}

// openCache returns a breaker-guarded Redis cache when Redis answers, the
// in-process cache otherwise.
func (p *Pipeline) openCache(ctx context.Context, cfg config.CacheConfig) cache.Cacher {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(probeCtx).Err()
		cancel()
		if err == nil {
			p.onClose("cache", client.Close)
			p.guard = cache.NewGuarded(cache.NewRedis(client, cfg.Prefix, cfg.TTL), cache.GuardConfig{
				Name:             "redis-cache",
				FailureThreshold: cfg.BreakerFailures,
				Timeout:          cfg.BreakerTimeout,
			})
			logging.Info().Str("addr", cfg.RedisAddr).Msg("Query cache using Redis")
			return p.guard
		}
		_ = client.Close()
		logging.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Cache backend unreachable: using in-process cache")
	}

	mem := cache.NewMemory(cfg.TTL, time.Minute)
	p.onClose("cache", mem.Close)
	return mem
}

func openSignals(cfg config.SignalsConfig) (*notify.Notifier, error) {
	logger := logging.NewWatermillAdapter()
	if cfg.NATSURL == "" {
		return notify.NewInProcess(logger), nil
	}
	n, err := notify.NewNATS(cfg.NATSURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect signals to NATS: %w", err)
	}
	logging.Info().Str("url", cfg.NATSURL).Msg("Pipeline signals published to NATS")
	return n, nil
}

// StorageServices returns the services that maintain storage: dead-letter
// value-log GC.
func (p *Pipeline) StorageServices() []suture.Service {
	return []suture.Service{p.DeadLetter}
}

// PipelineServices returns the batch writer workers and, when enabled, the
// retention scheduler.
func (p *Pipeline) PipelineServices() []suture.Service {
	services := p.Writer.Workers()
	if p.scheduled {
		services = append(services, p.Retention)
	}
	return services
}

// Health reports the state of each backend.
type Health struct {
	Status        string           `json:"status"`
	Queue         string           `json:"queue"`
	QueueDegraded bool             `json:"queue_degraded"`
	QueueDepth    int64            `json:"queue_depth"`
	Storage       string           `json:"storage"`
	Cache         string           `json:"cache"`
	DeadLetters   deadletter.Stats `json:"dead_letters"`
	Retention     bool             `json:"retention_running"`
}

// Health probes the backends. Status is "degraded" when the queue runs on
// its fallback, storage does not answer, or dead letters are waiting.
func (p *Pipeline) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Queue: p.Queue.Name(), Storage: "ok", Cache: "memory"}

	if d, ok := p.Queue.(interface{ Degraded() bool }); ok {
		h.QueueDegraded = d.Degraded()
	}
	if n, err := p.Queue.Len(ctx); err == nil {
		h.QueueDepth = n
	}
	if pg, ok := p.Repo.(pinger); ok {
		if err := pg.Ping(ctx); err != nil {
			h.Storage = err.Error()
		}
	}
	if p.guard != nil {
		h.Cache = "redis (" + p.guard.State() + ")"
	}
	if stats, err := p.DeadLetter.Stats(ctx); err == nil {
		h.DeadLetters = stats
	}
	if p.Retention != nil {
		h.Retention = p.Retention.Running()
	}

	if h.QueueDegraded || h.Storage != "ok" || h.DeadLetters.Batches > 0 {
		h.Status = "degraded"
	}
	return h
}

// writerCloseGrace is added to the writer's shutdown budget to cover the
// repository calls it leaves out.
const writerCloseGrace = 5 * time.Second

// Close waits for the batch writer workers to return, then releases every
// backend in reverse order of opening. It is safe to call more than once.
func (p *Pipeline) Close() error {
	if p.Writer != nil {
		p.waitWriter(p.Writer.ShutdownBudget() + writerCloseGrace)
	}

	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		c := p.closers[i]
		if err := c.fn(); err != nil {
			logging.Error().Err(err).Str("component", c.name).Msg("Error closing pipeline component")
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Pipeline) waitWriter(limit time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	if err := p.Writer.Wait(ctx); err != nil {
		logging.Error().Err(err).Dur("waited", limit).
			Msg("Batch writer still running, closing backends under it")
	}
}

func (p *Pipeline) onClose(name string, fn func() error) {
	p.closers = append(p.closers, closer{name: name, fn: fn})
}
