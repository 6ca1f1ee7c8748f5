// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// FailoverName is the backend name of FailoverQueue.
const FailoverName = "failover"

// FailoverQueue routes enqueues to a persistent primary and spills into an
// in-process buffer while the primary is failing. Dequeue drains the buffer
// before the primary so spilled records are not starved.
type FailoverQueue struct {
	primary  Backend
	fallback *MemoryQueue
	cb       *gobreaker.CircuitBreaker[interface{}]
	warn     *rate.Limiter
}

// NewFailover wraps primary with fallback.
func NewFailover(primary Backend, fallback *MemoryQueue, cfg Config) *FailoverQueue {
	cfg.applyDefaults()

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "queue-" + primary.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Queue circuit breaker state change")
			metrics.SetDegraded(to != gobreaker.StateClosed)
		},
	})

	return &FailoverQueue{
		primary:  primary,
		fallback: fallback,
		cb:       cb,
		warn:     rate.NewLimiter(rate.Every(cfg.WarnInterval), 1),
	}
}

// Name implements Backend.
func (q *FailoverQueue) Name() string { return FailoverName }

// Degraded reports whether the primary is currently bypassed.
func (q *FailoverQueue) Degraded() bool {
	return q.cb.State() != gobreaker.StateClosed
}

// Enqueue implements Backend.
func (q *FailoverQueue) Enqueue(ctx context.Context, record *audit.Record) error {
	_, err := q.cb.Execute(func() (interface{}, error) {
		return nil, q.primary.Enqueue(ctx, record)
	})
	if err == nil {
		return nil
	}

	if ferr := q.fallback.Enqueue(ctx, record); ferr != nil {
		return fmt.Errorf("queue: primary: %v; fallback: %w", err, ferr)
	}

	metrics.SetDegraded(true)
	if q.warn.Allow() {
		logging.Warn().Err(err).Str("primary", q.primary.Name()).
			Msg("Audit queue degraded: buffering in memory with reduced durability")
	}
	return nil
}

// Dequeue implements Backend.
func (q *FailoverQueue) Dequeue(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Message, error) {
	if n, _ := q.fallback.Len(ctx); n > 0 || q.cb.State() == gobreaker.StateOpen {
		return q.fallback.Dequeue(ctx, batchSize, maxWait)
	}

	msgs, err := q.primary.Dequeue(ctx, batchSize, maxWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warn().Err(err).Str("primary", q.primary.Name()).Msg("Primary dequeue failed, serving fallback buffer")
		return q.fallback.Dequeue(ctx, batchSize, maxWait)
	}
	return msgs, nil
}

// Ack implements Backend. Messages are acknowledged on the backend that
// delivered them.
func (q *FailoverQueue) Ack(ctx context.Context, msgs []*Message) error {
	var primary, fallback []*Message
	for _, m := range msgs {
		if m.origin == MemoryName {
			fallback = append(fallback, m)
		} else {
			primary = append(primary, m)
		}
	}

	var errs []error
	if len(primary) > 0 {
		if err := q.primary.Ack(ctx, primary); err != nil {
			errs = append(errs, err)
		}
	}
	if len(fallback) > 0 {
		if err := q.fallback.Ack(ctx, fallback); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len implements Backend. An unreachable primary contributes nothing.
func (q *FailoverQueue) Len(ctx context.Context) (int64, error) {
	n, _ := q.fallback.Len(ctx)
	p, err := q.primary.Len(ctx)
	if err != nil {
		return n, nil
	}
	return n + p, nil
}

// Close implements Backend.
func (q *FailoverQueue) Close() error {
	return errors.Join(q.primary.Close(), q.fallback.Close())
}

var _ Backend = (*FailoverQueue)(nil)
