// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package middleware

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tomtom215/auditpipe/internal/logging"
)

// DefaultSlowRequestThreshold is used when NewLatencyTracker gets zero.
const DefaultSlowRequestThreshold = time.Second

// Sample is one observed request.
type Sample struct {
	Route      string
	Method     string
	Duration   time.Duration
	StatusCode int
	Timestamp  time.Time
}

// RouteStats summarizes the samples kept for one method and route pattern.
type RouteStats struct {
	Route        string  `json:"route"`
	RequestCount int64   `json:"request_count"`
	AvgMS        float64 `json:"avg_ms"`
	P50MS        int64   `json:"p50_ms"`
	P95MS        int64   `json:"p95_ms"`
	P99MS        int64   `json:"p99_ms"`
	MinMS        int64   `json:"min_ms"`
	MaxMS        int64   `json:"max_ms"`
}

// LatencyTracker keeps a sliding window of request samples per admin route
// and warns about slow requests.
type LatencyTracker struct {
	mu            sync.RWMutex
	samples       []Sample
	maxSamples    int
	slowThreshold time.Duration
	now           func() time.Time
}

// NewLatencyTracker keeps up to maxSamples samples.
func NewLatencyTracker(maxSamples int, slowThreshold time.Duration) *LatencyTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowRequestThreshold
	}
	return &LatencyTracker{
		samples:       make([]Sample, 0, maxSamples),
		maxSamples:    maxSamples,
		slowThreshold: slowThreshold,
		now:           time.Now,
	}
}

// Record adds a sample, dropping the oldest once the window is full.
func (lt *LatencyTracker) Record(s Sample) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples = append(lt.samples, s)
	if len(lt.samples) > lt.maxSamples {
		lt.samples = lt.samples[1:]
	}
}

// Stats returns per-route percentiles, busiest route first.
func (lt *LatencyTracker) Stats() []RouteStats {
	lt.mu.RLock()
	byRoute := make(map[string][]int64)
	for _, s := range lt.samples {
		key := s.Method + " " + s.Route
		byRoute[key] = append(byRoute[key], s.Duration.Milliseconds())
	}
	lt.mu.RUnlock()

	stats := make([]RouteStats, 0, len(byRoute))
	for route, durations := range byRoute {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		var sum int64
		for _, d := range durations {
			sum += d
		}
		stats = append(stats, RouteStats{
			Route:        route,
			RequestCount: int64(len(durations)),
			AvgMS:        float64(sum) / float64(len(durations)),
			P50MS:        percentile(durations, 0.50),
			P95MS:        percentile(durations, 0.95),
			P99MS:        percentile(durations, 0.99),
			MinMS:        durations[0],
			MaxMS:        durations[len(durations)-1],
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].RequestCount != stats[j].RequestCount {
			return stats[i].RequestCount > stats[j].RequestCount
		}
		return stats[i].Route < stats[j].Route
	})
	return stats
}

// Recent returns the newest n samples, oldest first.
func (lt *LatencyTracker) Recent(n int) []Sample {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	if n > len(lt.samples) {
		n = len(lt.samples)
	}
	out := make([]Sample, n)
	copy(out, lt.samples[len(lt.samples)-n:])
	return out
}

// Middleware records every request under its chi route pattern.
func (lt *LatencyTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := lt.now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := lt.now().Sub(start)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		lt.Record(Sample{
			Route:      route,
			Method:     r.Method,
			Duration:   elapsed,
			StatusCode: status,
			Timestamp:  start,
		})

		if elapsed > lt.slowThreshold {
			logging.Ctx(r.Context()).Warn().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int64("duration_ms", elapsed.Milliseconds()).
				Int64("threshold_ms", lt.slowThreshold.Milliseconds()).
				Msg("Slow request detected")
		}
	})
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
