// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package queue decouples audit capture from storage.
//
// Every backend delivers messages in enqueue order per producer and at
// least once: a dequeued message stays owned by the consumer until Ack.
// Producers never wait for a consumer. When a bounded buffer is full,
// Enqueue blocks for at most the configured timeout and then fails with
// ErrQueueFull; existing entries are never evicted.
//
// Open selects the backend at startup. A reachable Redis yields a
// FailoverQueue that spills into an in-process buffer while Redis is
// unhealthy; otherwise the pipeline runs on the in-process buffer alone.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/auditpipe/internal/audit"
)

var (
	// ErrQueueFull is returned when the buffer stays full for the whole
	// enqueue timeout.
	ErrQueueFull = errors.New("queue: buffer full")

	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue: closed")
)

// Message is one queued record. ID is stable across redeliveries and
// becomes the persisted record ID.
type Message struct {
	ID         string        `json:"id"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Record     *audit.Record `json:"record"`

	origin string
	raw    string
}

// Origin returns the name of the backend the message was dequeued from.
func (m *Message) Origin() string {
	return m.origin
}

// Backend is implemented by every queue.
//
// Dequeue blocks until the first message arrives, PollInterval passes
// (returning an empty slice), or ctx ends. Once a message is available it
// keeps collecting until batchSize messages are held or maxWait has passed
// since the first message was enqueued.
type Backend interface {
	Enqueue(ctx context.Context, record *audit.Record) error
	Dequeue(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Message, error)
	Ack(ctx context.Context, msgs []*Message) error
	Len(ctx context.Context) (int64, error)
	Name() string
	Close() error
}

// Config holds queue settings.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Key prefixes the Redis pending and processing lists.
	Key string

	BufferSize     int
	EnqueueTimeout time.Duration
	PollInterval   time.Duration
	ProbeTimeout   time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// WarnInterval rate-limits the degraded-durability warning.
	WarnInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Key:             "auditpipe:queue",
		BufferSize:      10000,
		EnqueueTimeout:  50 * time.Millisecond,
		PollInterval:    time.Second,
		ProbeTimeout:    2 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  30 * time.Second,
		WarnInterval:    time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = d.WarnInterval
	}
}

// collectDeadline returns the instant at which a batch that started with
// first must be handed over.
func collectDeadline(first *Message, maxWait time.Duration) time.Time {
	start := first.EnqueuedAt
	if start.IsZero() || start.After(time.Now()) {
		start = time.Now()
	}
	return start.Add(maxWait)
}
