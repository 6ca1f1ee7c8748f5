// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/auditpipe/internal/metrics"
)

func receive(t *testing.T, ch <-chan *message.Message, timeout time.Duration) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for signal")
		return nil
	}
}

func TestInProcess_FlushCompleted(t *testing.T) {
	n := NewInProcess(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, TopicBatchFlushed)
	if err != nil {
		t.Fatal(err)
	}

	n.FlushCompleted(ctx, FlushEvent{BatchID: "b1", Records: 3, Attempts: 2})

	var ev FlushEvent
	if err := json.Unmarshal(receive(t, ch, time.Second).Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.BatchID != "b1" || ev.Records != 3 || ev.Attempts != 2 || ev.FlushedAt.IsZero() {
		t.Errorf("FlushEvent = %+v", ev)
	}
}

func TestInProcess_CriticalAlert(t *testing.T) {
	n := NewInProcess(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := n.Subscribe(ctx, TopicAlerts)

	before := testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues(SeverityCritical))
	n.Critical(ctx, Alert{Kind: "dead_letter", Message: "batch dead-lettered", BatchID: "b9", Records: 5})

	var a Alert
	if err := json.Unmarshal(receive(t, ch, time.Second).Payload, &a); err != nil {
		t.Fatal(err)
	}
	if a.Severity != SeverityCritical || a.BatchID != "b9" || a.Records != 5 {
		t.Errorf("Alert = %+v", a)
	}
	if got := testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues(SeverityCritical)); got != before+1 {
		t.Errorf("alerts counter = %v, want %v", got, before+1)
	}
}

func TestNotifier_ClosedIsSilent(t *testing.T) {
	n := NewInProcess(nil)
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	// Must neither panic nor block.
	n.FlushCompleted(context.Background(), FlushEvent{BatchID: "late"})
	n.Critical(context.Background(), Alert{Kind: "late"})
	if _, err := n.Subscribe(context.Background(), TopicAlerts); err == nil {
		t.Error("Subscribe on closed notifier should fail")
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATS_FlushCompleted(t *testing.T) {
	ns := runNATSServer(t)

	n, err := NewNATS(ns.ClientURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := n.Subscribe(ctx, TopicBatchFlushed)
	if err != nil {
		t.Fatal(err)
	}

	// Core NATS drops messages published before the subscription reaches
	// the server, so keep publishing until one arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-ch:
			msg.Ack()
			var ev FlushEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				t.Fatal(err)
			}
			if ev.BatchID != "nats-1" {
				t.Errorf("BatchID = %q", ev.BatchID)
			}
			return
		case <-ticker.C:
			n.FlushCompleted(ctx, FlushEvent{BatchID: "nats-1", Records: 1})
		case <-ctx.Done():
			t.Fatal("no signal received over NATS")
		}
	}
}
