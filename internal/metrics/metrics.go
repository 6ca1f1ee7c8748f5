// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package metrics holds the Prometheus instrumentation for the audit pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture Metrics
	CaptureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_capture_total",
			Help: "Audit records captured, by outcome of the audited action",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	CaptureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_capture_failures_total",
			Help: "Capture-time faults isolated from the audited action",
		},
		[]string{"reason"}, // "invalid", "enqueue", "panic"
	)

	// Queue Metrics
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_queue_enqueued_total",
			Help: "Records accepted by the ingestion queue",
		},
		[]string{"backend"},
	)

	QueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_queue_rejected_total",
			Help: "Enqueue attempts rejected after backpressure timeout",
		},
		[]string{"backend"},
	)

	QueueDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_degraded",
			Help: "1 when records are buffered in-process instead of the durable backend",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Records waiting in the ingestion queue",
		},
		[]string{"backend"},
	)

	// Batch Writer Metrics
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_size",
			Help:    "Number of records per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_flush_duration_seconds",
			Help:    "Time to persist a batch including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_batch_flushes_total",
			Help: "Batch flush outcomes",
		},
		[]string{"result"}, // "success", "dead_letter"
	)

	BatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_batch_retries_total",
			Help: "Storage retries performed by batch writers",
		},
	)

	DeadLetterRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_dead_letter_records_total",
			Help: "Records routed to the dead-letter sink",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_alerts_total",
			Help: "Alerts raised by the pipeline",
		},
		[]string{"severity"},
	)

	// Cache Metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_cache_hits_total",
			Help: "Query cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_cache_misses_total",
			Help: "Query cache misses",
		},
		[]string{"namespace"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_cache_errors_total",
			Help: "Cache backend errors that fell back to storage",
		},
		[]string{"operation"},
	)

	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_cache_invalidations_total",
			Help: "Cache invalidation passes",
		},
	)

	// Retention Metrics
	RetentionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_runs_total",
			Help: "Retention passes by operation and result",
		},
		[]string{"operation", "result"}, // operation: "archive", "purge"
	)

	RetentionRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_records_total",
			Help: "Records archived or purged",
		},
		[]string{"operation"},
	)

	// Query Metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_query_duration_seconds",
			Help:    "Query engine latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// HTTP Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_api_requests_total",
			Help: "Admin API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordCapture counts one captured record.
func RecordCapture(success bool) {
	if success {
		CaptureTotal.WithLabelValues("success").Inc()
		return
	}
	CaptureTotal.WithLabelValues("failure").Inc()
}

// RecordFlush records a batch flush outcome. Dead-lettered record counts
// are recorded by the sink itself.
func RecordFlush(size int, duration time.Duration, deadLettered bool) {
	BatchSize.Observe(float64(size))
	BatchFlushDuration.Observe(duration.Seconds())
	if deadLettered {
		BatchFlushes.WithLabelValues("dead_letter").Inc()
		return
	}
	BatchFlushes.WithLabelValues("success").Inc()
}

// RecordRetention records a retention pass.
func RecordRetention(operation string, count int64, err error) {
	if err != nil {
		RetentionRuns.WithLabelValues(operation, "error").Inc()
		return
	}
	RetentionRuns.WithLabelValues(operation, "success").Inc()
	RetentionRecords.WithLabelValues(operation).Add(float64(count))
}

// ObserveQuery records query engine latency since start.
func ObserveQuery(operation string, start time.Time) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetDegraded flips the degraded queue gauge.
func SetDegraded(degraded bool) {
	if degraded {
		QueueDegraded.Set(1)
		return
	}
	QueueDegraded.Set(0)
}
