// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package writer

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
	"github.com/tomtom215/auditpipe/internal/notify"
	"github.com/tomtom215/auditpipe/internal/queue"
)

// worker is one queue consumer.
type worker struct {
	w    *Writer
	name string
}

// String implements fmt.Stringer for suture logging.
func (k *worker) String() string {
	return k.name
}

// Serve implements suture.Service. It returns after the final drain once
// ctx is canceled, and returns suture.ErrDoNotRestart when the queue was
// closed underneath it.
func (k *worker) Serve(ctx context.Context) error {
	k.w.running.Add(1)
	defer k.w.running.Add(-1)

	cfg := k.w.cfg
	logging.Info().Str("worker", k.name).Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).Msg("Batch writer started")

	for {
		if ctx.Err() != nil {
			k.drain(ctx)
			logging.Info().Str("worker", k.name).Msg("Batch writer stopped")
			return nil
		}

		msgs, err := k.w.deps.Queue.Dequeue(ctx, cfg.BatchSize, cfg.FlushInterval)
		if len(msgs) > 0 {
			// Started batches complete even when shutdown begins mid-flush.
			k.flush(context.WithoutCancel(ctx), msgs)
		}

		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueClosed):
			logging.Info().Str("worker", k.name).Msg("Queue closed, batch writer exiting")
			return suture.ErrDoNotRestart
		case ctx.Err() != nil:
			// Loop once more to drain.
		default:
			logging.Warn().Err(err).Str("worker", k.name).Msg("Dequeue failed")
			k.pause(ctx, cfg.ErrorPause)
		}
	}
}

// drain collects and persists one final partial batch.
func (k *worker) drain(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(base, k.w.cfg.DrainTimeout)
	defer cancel()

	maxWait := k.w.cfg.FlushInterval
	if k.w.cfg.DrainTimeout < maxWait {
		maxWait = k.w.cfg.DrainTimeout
	}

	msgs, err := k.w.deps.Queue.Dequeue(dctx, k.w.cfg.BatchSize, maxWait)
	if len(msgs) > 0 {
		logging.Info().Str("worker", k.name).Int("records", len(msgs)).Msg("Draining final batch")
		k.flush(base, msgs)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, queue.ErrQueueClosed) {
		logging.Warn().Err(err).Str("worker", k.name).Msg("Final drain failed")
	}
}

func (k *worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// flush persists msgs as one batch, retrying and dead-lettering as needed,
// then acknowledges them.
func (k *worker) flush(ctx context.Context, msgs []*queue.Message) {
	batchID := logging.GenerateBatchID()
	ctx = logging.ContextWithBatchID(ctx, batchID)
	log := logging.Ctx(ctx)

	records, rejected, cause := splitInvalid(recordsFor(msgs))
	if len(rejected) > 0 {
		// Rejected records never hold back the rest of the batch.
		if err := k.deadLetter(ctx, batchID+"-invalid", rejected, 0, cause); err != nil {
			log.Error().Err(err).Str("alert", notify.SeverityCritical).
				Int("records", len(rejected)).Msg("Dead-letter write failed, batch left on queue")
			return
		}
		log.Warn().Err(cause).Int("rejected", len(rejected)).Int("records", len(records)).
			Msg("Invalid records split from batch")
	}
	if len(records) == 0 {
		k.ack(ctx, msgs)
		return
	}

	start := time.Now()
	ids, attempts, err := k.persist(ctx, records)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordFlush(len(records), elapsed, true)
		if dlErr := k.deadLetter(ctx, batchID, records, attempts, err); dlErr != nil {
			// Leave the messages unacknowledged; a durable queue redelivers them.
			log.Error().Err(dlErr).Str("alert", notify.SeverityCritical).
				Int("records", len(records)).Msg("Dead-letter write failed, batch left on queue")
			return
		}
		k.ack(ctx, msgs)
		return
	}

	metrics.RecordFlush(len(records), elapsed, false)
	k.ack(ctx, msgs)
	k.invalidate(ctx)

	log.Debug().Int("records", len(records)).Int("attempts", attempts).
		Dur("duration", elapsed).Str("worker", k.name).Msg("Batch flushed")

	if k.w.deps.Signals != nil {
		k.w.deps.Signals.FlushCompleted(ctx, notify.FlushEvent{
			BatchID:    batchID,
			Records:    len(records),
			Attempts:   attempts,
			Duration:   elapsed,
			RecordIDs:  ids,
			WorkerName: k.name,
		})
	}
}

// persist runs CreateMany with backoff. It returns the number of attempts
// made. A batch the repository rejects as invalid is not retried.
func (k *worker) persist(ctx context.Context, records []*audit.Record) ([]string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= k.w.cfg.MaxAttempts; attempt++ {
		ids, err := k.w.deps.Repo.CreateMany(ctx, records)
		if err == nil {
			return ids, attempt, nil
		}
		lastErr = err

		if errors.Is(err, audit.ErrInvalidRecord) {
			logging.Ctx(ctx).Error().Err(err).Msg("Batch rejected as invalid, not retrying")
			return nil, attempt, err
		}
		if attempt == k.w.cfg.MaxAttempts {
			break
		}

		delay := k.w.Backoff(attempt)
		metrics.BatchRetries.Inc()
		logging.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).
			Int("max_attempts", k.w.cfg.MaxAttempts).Dur("backoff", delay).
			Msg("Batch write failed, retrying")
		k.pause(ctx, delay)
	}
	return nil, k.w.cfg.MaxAttempts, lastErr
}

func (k *worker) deadLetter(ctx context.Context, batchID string, records []*audit.Record, attempts int, cause error) error {
	err := k.w.deps.DeadLetter.Write(ctx, &deadletter.Batch{
		ID:       batchID,
		Records:  records,
		Error:    cause.Error(),
		Attempts: attempts,
	})
	if err != nil {
		return err
	}

	if k.w.deps.Signals != nil {
		k.w.deps.Signals.Critical(ctx, notify.Alert{
			Kind:    "dead_letter",
			Message: "Audit batch moved to dead-letter sink",
			BatchID: batchID,
			Records: len(records),
			Error:   cause.Error(),
		})
	} else {
		logging.Ctx(ctx).Error().Err(cause).Str("alert", notify.SeverityCritical).
			Int("records", len(records)).Msg("Audit batch moved to dead-letter sink")
		metrics.AlertsRaised.WithLabelValues(notify.SeverityCritical).Inc()
	}
	return nil
}

func (k *worker) ack(ctx context.Context, msgs []*queue.Message) {
	if err := k.w.deps.Queue.Ack(ctx, msgs); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int("messages", len(msgs)).Msg("Ack failed, batch may be redelivered")
	}
}

func (k *worker) invalidate(ctx context.Context) {
	if k.w.deps.Cache == nil {
		return
	}
	if err := k.w.deps.Cache.Invalidate(ctx, ""); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		logging.Ctx(ctx).Warn().Err(err).Msg("Cache invalidation failed")
	}
}

// splitInvalid normalizes records and moves the ones that fail validation
// into rejected. cause is the first validation error.
func splitInvalid(records []*audit.Record) (valid, rejected []*audit.Record, cause error) {
	valid = make([]*audit.Record, 0, len(records))
	for _, r := range records {
		r.Normalize()
		if err := r.Validate(); err != nil {
			rejected = append(rejected, r)
			if cause == nil {
				cause = err
			}
			continue
		}
		valid = append(valid, r)
	}
	return valid, rejected, cause
}

// recordsFor copies the records out of msgs, using the message ID as the
// record ID when none is set.
func recordsFor(msgs []*queue.Message) []*audit.Record {
	out := make([]*audit.Record, 0, len(msgs))
	for _, m := range msgs {
		if m.Record == nil {
			logging.Warn().Str("message_id", m.ID).Msg("Skipping queue message without record")
			continue
		}
		r := m.Record.Clone()
		if r.ID == "" {
			r.ID = m.ID
		}
		out = append(out, r)
	}
	return out
}
