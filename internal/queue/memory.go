// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// MemoryName is the backend name of MemoryQueue.
const MemoryName = "memory"

// MemoryQueue is a bounded in-process FIFO. It survives nothing beyond the
// process lifetime; Ack is a no-op because messages leave the buffer when
// they are dequeued.
type MemoryQueue struct {
	ch             chan *Message
	enqueueTimeout time.Duration
	pollInterval   time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a MemoryQueue holding at most cfg.BufferSize messages.
func NewMemory(cfg Config) *MemoryQueue {
	cfg.applyDefaults()
	return &MemoryQueue{
		ch:             make(chan *Message, cfg.BufferSize),
		enqueueTimeout: cfg.EnqueueTimeout,
		pollInterval:   cfg.PollInterval,
		done:           make(chan struct{}),
	}
}

// Name implements Backend.
func (q *MemoryQueue) Name() string { return MemoryName }

// Enqueue implements Backend. It waits up to the enqueue timeout for buffer
// space and then fails with ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, record *audit.Record) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	msg := &Message{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Record:     record,
	}

	// Fast path avoids allocating a timer when there is room.
	select {
	case q.ch <- msg:
		q.enqueued()
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- msg:
		q.enqueued()
		return nil
	case <-timer.C:
		metrics.QueueRejected.WithLabelValues(MemoryName).Inc()
		return ErrQueueFull
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		metrics.QueueRejected.WithLabelValues(MemoryName).Inc()
		return fmt.Errorf("queue: enqueue: %w", ctx.Err())
	}
}

// Dequeue implements Backend. Buffered messages remain available after
// Close so a final drain can still collect them.
func (q *MemoryQueue) Dequeue(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Message, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	first, err := q.waitFirst(ctx)
	if err != nil || first == nil {
		return nil, err
	}

	batch := make([]*Message, 0, batchSize)
	batch = append(batch, first)

	deadline := collectDeadline(first, maxWait)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for len(batch) < batchSize {
		// Drain whatever is already buffered before considering the clock.
		select {
		case msg := <-q.ch:
			batch = append(batch, q.tag(msg))
			continue
		default:
		}

		select {
		case msg := <-q.ch:
			batch = append(batch, q.tag(msg))
		case <-timer.C:
			return q.handOver(batch), nil
		case <-ctx.Done():
			return q.handOver(batch), nil
		case <-q.done:
			return q.handOver(batch), nil
		}
	}
	return q.handOver(batch), nil
}

func (q *MemoryQueue) waitFirst(ctx context.Context) (*Message, error) {
	select {
	case msg := <-q.ch:
		return q.tag(msg), nil
	default:
	}

	select {
	case <-q.done:
		return nil, ErrQueueClosed
	default:
	}

	idle := time.NewTimer(q.pollInterval)
	defer idle.Stop()

	select {
	case msg := <-q.ch:
		return q.tag(msg), nil
	case <-idle.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	}
}

// Ack implements Backend.
func (q *MemoryQueue) Ack(context.Context, []*Message) error { return nil }

// Len implements Backend.
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close implements Backend. Subsequent enqueues fail with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *MemoryQueue) tag(msg *Message) *Message {
	msg.origin = MemoryName
	return msg
}

func (q *MemoryQueue) enqueued() {
	metrics.QueueEnqueued.WithLabelValues(MemoryName).Inc()
	metrics.QueueDepth.WithLabelValues(MemoryName).Set(float64(len(q.ch)))
}

func (q *MemoryQueue) handOver(batch []*Message) []*Message {
	metrics.QueueDepth.WithLabelValues(MemoryName).Set(float64(len(q.ch)))
	return batch
}

var _ Backend = (*MemoryQueue)(nil)
