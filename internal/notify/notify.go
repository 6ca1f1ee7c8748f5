// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package notify publishes pipeline signals: batch completions and
// critical alerts. Nothing in the pipeline depends on these signals for
// correctness; publish failures are logged and swallowed.
//
// Signals travel over Watermill, either on an in-process GoChannel or on
// core NATS when a server URL is configured.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// Topics.
const (
	TopicBatchFlushed = "audit.batch.flushed"
	TopicAlerts       = "audit.alerts"
)

// SeverityCritical is the alert severity raised for dead-lettered batches.
const SeverityCritical = "critical"

// FlushEvent is published after a batch was persisted.
type FlushEvent struct {
	BatchID    string        `json:"batch_id"`
	Records    int           `json:"records"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	FlushedAt  time.Time     `json:"flushed_at"`
	RecordIDs  []string      `json:"record_ids,omitempty"`
	WorkerName string        `json:"worker,omitempty"`
}

// Alert is published when operator attention is required.
type Alert struct {
	Severity string    `json:"severity"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	BatchID  string    `json:"batch_id,omitempty"`
	Records  int       `json:"records,omitempty"`
	Error    string    `json:"error,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// Notifier publishes pipeline signals.
type Notifier struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error

	mu     sync.RWMutex
	closed bool
}

// NewInProcess returns a Notifier backed by a Watermill GoChannel.
func NewInProcess(logger watermill.LoggerAdapter) *Notifier {
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Notifier{pub: ch, sub: ch, closer: ch.Close}
}

// NewNATS returns a Notifier publishing on core NATS at url. JetStream is
// not used: signals are fire-and-forget.
func NewNATS(url string, logger watermill.LoggerAdapter) (*Notifier, error) {
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("auditpipe-signals"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     5 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Notifier{
		pub: pub,
		sub: sub,
		closer: func() error {
			perr := pub.Close()
			serr := sub.Close()
			if perr != nil {
				return perr
			}
			return serr
		},
	}, nil
}

// FlushCompleted publishes a batch completion signal.
func (n *Notifier) FlushCompleted(ctx context.Context, ev FlushEvent) {
	if ev.FlushedAt.IsZero() {
		ev.FlushedAt = time.Now().UTC()
	}
	if err := n.publish(TopicBatchFlushed, ev); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("batch_id", ev.BatchID).Msg("Flush signal not published")
	}
}

// Critical logs, counts and publishes a critical alert.
func (n *Notifier) Critical(ctx context.Context, a Alert) {
	a.Severity = SeverityCritical
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}

	logging.Ctx(ctx).Error().
		Str("alert", SeverityCritical).
		Str("kind", a.Kind).
		Str("batch_id", a.BatchID).
		Int("records", a.Records).
		Str("error", a.Error).
		Msg(a.Message)
	metrics.AlertsRaised.WithLabelValues(SeverityCritical).Inc()

	if err := n.publish(TopicAlerts, a); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("kind", a.Kind).Msg("Alert signal not published")
	}
}

// Subscribe returns the message stream for topic. Consumers must Ack each
// message.
func (n *Notifier) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if n.isClosed() {
		return nil, fmt.Errorf("notifier is closed")
	}
	return n.sub.Subscribe(ctx, topic)
}

// Close shuts the publisher and subscriber down.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.closer()
}

func (n *Notifier) publish(topic string, payload interface{}) error {
	if n.isClosed() {
		return fmt.Errorf("notifier is closed")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return n.pub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

func (n *Notifier) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}
