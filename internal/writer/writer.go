// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package writer drains the ingestion queue and persists records in
// batches.
//
// A batch closes when BatchSize records are held or FlushInterval has
// passed since its first record was enqueued. Each batch is one
// Repository.CreateMany call. Failed batches are retried with exponential
// backoff; a batch that still fails after MaxAttempts is written to the
// dead-letter sink, a critical alert is raised, and the worker moves on.
//
// Every worker is a suture.Service so the supervisor restarts a crashed
// worker without touching its siblings:
//
//	w := writer.New(cfg, writer.Deps{Queue: q, Repo: repo, DeadLetter: sink})
//	for _, svc := range w.Workers() {
//		tree.AddPipelineService(svc)
//	}
package writer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/notify"
	"github.com/tomtom215/auditpipe/internal/queue"
)

// Config holds batch writer settings.
type Config struct {
	// BatchSize is N, the record count that closes a batch.
	BatchSize int
	// FlushInterval is T, measured from the first record of a batch.
	FlushInterval time.Duration
	Workers       int

	// MaxAttempts counts the first attempt.
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration

	// DrainTimeout bounds the final partial batch collected on shutdown.
	DrainTimeout time.Duration
	// ErrorPause is how long a worker waits after a dequeue error.
	ErrorPause time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		Workers:       2,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffFactor: 2,
		BackoffMax:    30 * time.Second,
		DrainTimeout:  5 * time.Second,
		ErrorPause:    time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = d.ErrorPause
	}
}

// DeadLetterSink stores batches that exhausted their retries.
type DeadLetterSink interface {
	Write(ctx context.Context, b *deadletter.Batch) error
}

// Signals receives observability signals. *notify.Notifier implements it.
type Signals interface {
	FlushCompleted(ctx context.Context, ev notify.FlushEvent)
	Critical(ctx context.Context, a notify.Alert)
}

// Deps are the collaborators of a Writer. Cache and Signals are optional.
type Deps struct {
	Queue      queue.Backend
	Repo       audit.Repository
	DeadLetter DeadLetterSink
	Cache      cache.Cacher
	Signals    Signals
}

// Writer owns the worker pool.
type Writer struct {
	cfg  Config
	deps Deps

	// running counts workers inside Serve.
	running atomic.Int32
}

// New creates a Writer. Queue, Repo and DeadLetter are required.
func New(cfg Config, deps Deps) (*Writer, error) {
	if deps.Queue == nil || deps.Repo == nil || deps.DeadLetter == nil {
		return nil, fmt.Errorf("writer: queue, repository and dead-letter sink are required")
	}
	cfg.applyDefaults()
	return &Writer{cfg: cfg, deps: deps}, nil
}

// Config returns the effective configuration.
func (w *Writer) Config() Config {
	return w.cfg
}

// Workers returns one supervised service per configured worker.
func (w *Writer) Workers() []suture.Service {
	out := make([]suture.Service, w.cfg.Workers)
	for i := range out {
		out[i] = &worker{w: w, name: fmt.Sprintf("batch-writer-%d", i+1)}
	}
	return out
}

// Wait blocks until every worker has returned from Serve or ctx ends.
// Backends a worker writes to must outlive it, so owners call Wait before
// closing them.
func (w *Writer) Wait(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for w.running.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// ShutdownBudget is the longest a worker can keep running after its
// context is canceled, not counting the repository calls themselves: the
// retries of an in-flight batch, the drain dequeue and the retries of the
// drained batch.
func (w *Writer) ShutdownBudget() time.Duration {
	var retries time.Duration
	for attempt := 1; attempt < w.cfg.MaxAttempts; attempt++ {
		retries += w.Backoff(attempt)
	}
	return 2*retries + w.cfg.DrainTimeout
}

// Backoff returns the wait before the attempt following attempt.
// Formula: base * factor^(attempt-1), capped at BackoffMax.
func (w *Writer) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := math.Pow(w.cfg.BackoffFactor, float64(attempt-1))
	d := time.Duration(float64(w.cfg.BackoffBase) * multiplier)

	// Overflow shows up as a negative duration.
	if d < 0 || d > w.cfg.BackoffMax {
		d = w.cfg.BackoffMax
	}
	return d
}
