// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNewLatencyTracker_Defaults(t *testing.T) {
	lt := NewLatencyTracker(0, 0)
	if lt.maxSamples != 1000 {
		t.Errorf("maxSamples = %d", lt.maxSamples)
	}
	if lt.slowThreshold != DefaultSlowRequestThreshold {
		t.Errorf("slowThreshold = %v", lt.slowThreshold)
	}
}

func TestLatencyTracker_WindowDropsOldest(t *testing.T) {
	lt := NewLatencyTracker(3, time.Second)
	for i := 1; i <= 5; i++ {
		lt.Record(Sample{Route: "/r", Method: http.MethodGet, Duration: time.Duration(i) * time.Millisecond})
	}

	recent := lt.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("kept %d samples, want 3", len(recent))
	}
	for i, want := range []time.Duration{3, 4, 5} {
		if recent[i].Duration != want*time.Millisecond {
			t.Errorf("sample %d = %v, want %vms", i, recent[i].Duration, want)
		}
	}
	if got := lt.Recent(1); len(got) != 1 || got[0].Duration != 5*time.Millisecond {
		t.Errorf("Recent(1) = %+v", got)
	}
}

func TestLatencyTracker_Stats(t *testing.T) {
	lt := NewLatencyTracker(100, time.Second)
	for i := 1; i <= 10; i++ {
		lt.Record(Sample{Route: "/records", Method: http.MethodGet, Duration: time.Duration(i*10) * time.Millisecond})
	}
	lt.Record(Sample{Route: "/purge", Method: http.MethodPost, Duration: 500 * time.Millisecond})

	stats := lt.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d routes", len(stats))
	}

	got := stats[0]
	want := RouteStats{
		Route:        "GET /records",
		RequestCount: 10,
		AvgMS:        55,
		P50MS:        50,
		P95MS:        90,
		P99MS:        90,
		MinMS:        10,
		MaxMS:        100,
	}
	if got != want {
		t.Errorf("stats[0] = %+v\nwant %+v", got, want)
	}
	if stats[1].Route != "POST /purge" || stats[1].P99MS != 500 {
		t.Errorf("stats[1] = %+v", stats[1])
	}
}

func TestLatencyTracker_MiddlewareUsesRoutePattern(t *testing.T) {
	lt := NewLatencyTracker(10, time.Second)

	r := chi.NewRouter()
	r.Use(lt.Middleware)
	r.Get("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/records/a", "/records/b", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	samples := lt.Recent(10)
	if len(samples) != 3 {
		t.Fatalf("recorded %d samples", len(samples))
	}
	for i, want := range []struct {
		route  string
		status int
	}{
		{"/records/{id}", http.StatusNotFound},
		{"/records/{id}", http.StatusNotFound},
		{"unmatched", http.StatusNotFound},
	} {
		if samples[i].Route != want.route || samples[i].StatusCode != want.status {
			t.Errorf("sample %d = %s %d, want %s %d", i, samples[i].Route, samples[i].StatusCode, want.route, want.status)
		}
	}
}

func TestLatencyTracker_SlowRequestStillRecorded(t *testing.T) {
	lt := NewLatencyTracker(10, time.Millisecond)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lt.now = func() time.Time {
		tick = tick.Add(5 * time.Millisecond)
		return tick
	}

	h := lt.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	samples := lt.Recent(1)
	if len(samples) != 1 || samples[0].Duration != 5*time.Millisecond || samples[0].StatusCode != http.StatusOK {
		t.Errorf("samples = %+v", samples)
	}
}
