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

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// RedisName is the backend name of RedisQueue.
const RedisName = "redis"

// collectPoll is the pause between non-blocking moves while a batch is
// still open. BLMOVE only accepts whole seconds, which is too coarse for
// the batch window.
const collectPoll = 20 * time.Millisecond

// RedisQueue is a persistent queue on two Redis lists. Producers LPUSH to
// the pending list; consumers atomically move entries to the processing
// list and LREM them on Ack. Entries left in processing by a crashed
// consumer are moved back to pending when the queue is opened.
type RedisQueue struct {
	client         redis.UniversalClient
	pending        string
	processing     string
	enqueueTimeout time.Duration
	pollInterval   time.Duration
	ownsClient     bool
}

// NewRedis wraps client and requeues entries a previous consumer left
// unacknowledged. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client redis.UniversalClient, cfg Config) (*RedisQueue, error) {
	cfg.applyDefaults()
	poll := cfg.PollInterval
	if poll < time.Second {
		poll = time.Second
	}
	q := &RedisQueue{
		client:         client,
		pending:        cfg.Key + ":pending",
		processing:     cfg.Key + ":processing",
		enqueueTimeout: cfg.EnqueueTimeout,
		pollInterval:   poll,
	}
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Name implements Backend.
func (q *RedisQueue) Name() string { return RedisName }

// Enqueue implements Backend.
func (q *RedisQueue) Enqueue(ctx context.Context, record *audit.Record) error {
	msg := &Message{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Record:     record,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue.RedisQueue.Enqueue: encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.enqueueTimeout)
	defer cancel()

	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		metrics.QueueRejected.WithLabelValues(RedisName).Inc()
		return fmt.Errorf("queue.RedisQueue.Enqueue: %w", err)
	}
	metrics.QueueEnqueued.WithLabelValues(RedisName).Inc()
	return nil
}

// Dequeue implements Backend.
func (q *RedisQueue) Dequeue(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Message, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.pollInterval).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue.RedisQueue.Dequeue: %w", err)
	}

	batch := make([]*Message, 0, batchSize)
	var deadline time.Time
	if msg := q.decode(ctx, raw); msg != nil {
		batch = append(batch, msg)
		deadline = collectDeadline(msg, maxWait)
	} else {
		deadline = time.Now().Add(maxWait)
	}

	for len(batch) < batchSize {
		raw, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			if !time.Now().Before(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return batch, nil
			case <-time.After(minDuration(collectPoll, time.Until(deadline))):
			}
			continue
		}
		if err != nil {
			// Entries already moved stay in processing and are returned so
			// they are flushed and acknowledged normally.
			logging.Warn().Err(err).Int("collected", len(batch)).Msg("Redis queue collect interrupted")
			break
		}
		if msg := q.decode(ctx, raw); msg != nil {
			batch = append(batch, msg)
		}
	}

	if n, err := q.client.LLen(ctx, q.pending).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues(RedisName).Set(float64(n))
	}
	return batch, nil
}

// decode parses an envelope. Undecodable entries are dropped from the
// processing list so they cannot block the queue.
func (q *RedisQueue) decode(ctx context.Context, raw string) *Message {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Record == nil {
		logging.Error().Err(err).Int("bytes", len(raw)).Msg("Dropping undecodable queue entry")
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return nil
	}
	msg.origin = RedisName
	msg.raw = raw
	return &msg
}

// Ack implements Backend.
func (q *RedisQueue) Ack(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, m := range msgs {
		pipe.LRem(ctx, q.processing, 1, m.raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue.RedisQueue.Ack: %w", err)
	}
	return nil
}

// Len implements Backend.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue.RedisQueue.Len: %w", err)
	}
	return n, nil
}

// Ping checks that Redis answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close implements Backend. The client is closed only when Open created it.
func (q *RedisQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("queue.RedisQueue.Close: %w", err)
	}
	return nil
}

// recover moves unacknowledged entries back to pending. Moving from the
// newest end keeps the oldest entry first in line.
func (q *RedisQueue) recover(ctx context.Context) error {
	var moved int
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("queue.RedisQueue.recover: %w", err)
		}
		moved++
	}
	if moved > 0 {
		logging.Warn().Int("messages", moved).Msg("Requeued unacknowledged audit messages")
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if b < a {
		if b < 0 {
			return 0
		}
		return b
	}
	return a
}

var _ Backend = (*RedisQueue)(nil)
