// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/metrics"
	"github.com/tomtom215/auditpipe/internal/redact"
)

// sliceQueue collects enqueued records.
type sliceQueue struct {
	mu      sync.Mutex
	records []*audit.Record
	err     error
	panics  bool
}

func (q *sliceQueue) Enqueue(_ context.Context, r *audit.Record) error {
	if q.panics {
		panic("queue exploded")
	}
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.records = append(q.records, r)
	q.mu.Unlock()
	return nil
}

func (q *sliceQueue) last(t *testing.T) *audit.Record {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		t.Fatal("no record captured")
	}
	return q.records[len(q.records)-1]
}

func TestCapture_EnqueueFailureIsIsolated(t *testing.T) {
	q := &sliceQueue{err: errors.New("queue full")}
	h := NewHook(q, nil)
	before := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("enqueue"))

	// Must return normally.
	h.Capture(context.Background(), ActionContext{ActionType: audit.ActionUpdate, Resource: "server"})

	if got := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("enqueue")) - before; got != 1 {
		t.Errorf("enqueue failures delta = %v, want 1", got)
	}
}

func TestCapture_PanicIsRecovered(t *testing.T) {
	h := NewHook(&sliceQueue{panics: true}, nil)
	before := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("panic"))

	h.Capture(context.Background(), ActionContext{ActionType: audit.ActionView})

	if got := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("panic")) - before; got != 1 {
		t.Errorf("panic failures delta = %v, want 1", got)
	}
}

func TestCapture_InvalidRecordIsDropped(t *testing.T) {
	q := &sliceQueue{}
	h := NewHook(q, nil)
	before := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("invalid"))

	ctx := context.Background()
	h.Capture(ctx, ActionContext{ActionType: audit.ActionCreate, Resource: "user"})
	h.Capture(ctx, ActionContext{ActionType: "SIGNUP", Resource: "user"})
	h.Capture(ctx, ActionContext{ActionType: audit.ActionDelete, Resource: "user"})

	if got := testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("invalid")) - before; got != 1 {
		t.Errorf("invalid failures delta = %v, want 1", got)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) != 2 {
		t.Fatalf("enqueued %d records, want 2", len(q.records))
	}
	for _, r := range q.records {
		if r.ActionType == "SIGNUP" {
			t.Error("invalid record reached the queue")
		}
	}
}

func TestCapture_CanceledContextStillEnqueues(t *testing.T) {
	q := &sliceQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewHook(q, nil).Capture(ctx, ActionContext{ActionType: audit.ActionLogout, ActorID: "u1"})
	if q.last(t).ActorID != "u1" {
		t.Error("record not enqueued")
	}
}

func TestBuild_Outcomes(t *testing.T) {
	h := NewHook(&sliceQueue{}, nil)
	tests := []struct {
		name        string
		ac          ActionContext
		wantSuccess bool
		wantErr     string
		wantSev     audit.Severity
	}{
		{
			name:        "success",
			ac:          ActionContext{ActionType: audit.ActionCreate, StatusCode: 201},
			wantSuccess: true,
			wantSev:     audit.SeverityLow,
		},
		{
			name:    "explicit error",
			ac:      ActionContext{ActionType: audit.ActionUpdate, Err: errors.New("constraint violated")},
			wantErr: "constraint violated",
			wantSev: audit.SeverityMedium,
		},
		{
			name:    "status only",
			ac:      ActionContext{ActionType: audit.ActionView, StatusCode: 404},
			wantErr: "HTTP 404 Not Found",
			wantSev: audit.SeverityMedium,
		},
		{
			name:    "failed login",
			ac:      ActionContext{ActionType: audit.ActionLogin, StatusCode: 401},
			wantErr: "HTTP 401 Unauthorized",
			wantSev: audit.SeverityHigh,
		},
		{
			name:    "server error",
			ac:      ActionContext{ActionType: audit.ActionDelete, StatusCode: 503},
			wantErr: "HTTP 503 Service Unavailable",
			wantSev: audit.SeverityError,
		},
		{
			name:        "explicit severity wins",
			ac:          ActionContext{ActionType: audit.ActionDelete, Severity: audit.SeverityCritical},
			wantSuccess: true,
			wantSev:     audit.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.Build(tt.ac)
			if r.Success != tt.wantSuccess || r.ErrorMessage != tt.wantErr {
				t.Errorf("Success = %v, ErrorMessage = %q; want %v, %q", r.Success, r.ErrorMessage, tt.wantSuccess, tt.wantErr)
			}
			if r.Severity != tt.wantSev {
				t.Errorf("Severity = %s, want %s", r.Severity, tt.wantSev)
			}
			if err := r.Validate(); err != nil {
				t.Errorf("built record is invalid: %v", err)
			}
			if r.ID != "" {
				t.Errorf("ID = %q, want empty until persistence", r.ID)
			}
		})
	}
}

func TestBuild_RedactsEveryPayload(t *testing.T) {
	h := NewHook(&sliceQueue{}, redact.New(nil))
	ac := ActionContext{
		ActionType:  audit.ActionUpdate,
		OldValues:   map[string]interface{}{"name": "a", "api_key": "old"},
		NewValues:   map[string]interface{}{"name": "b", "api_key": "new"},
		Metadata:    map[string]interface{}{"trace": "t1", "authorization": "Bearer x"},
		RequestBody: map[string]interface{}{"user": map[string]interface{}{"password": "hunter2"}},
	}
	r := h.Build(ac)

	if r.OldValues["api_key"] != redact.Sentinel || r.NewValues["api_key"] != redact.Sentinel {
		t.Errorf("diff values not redacted: %v %v", r.OldValues, r.NewValues)
	}
	if r.NewValues["name"] != "b" || r.Metadata["trace"] != "t1" {
		t.Error("non-sensitive values changed")
	}
	if r.Metadata["authorization"] != redact.Sentinel {
		t.Errorf("metadata not redacted: %v", r.Metadata)
	}
	body := r.Metadata["request_body"].(map[string]interface{})
	if body["user"].(map[string]interface{})["password"] != redact.Sentinel {
		t.Errorf("request body not redacted: %v", body)
	}
	if ac.OldValues["api_key"] != "old" {
		t.Error("caller's payload was mutated")
	}
}

func TestMiddleware_CapturesRequest(t *testing.T) {
	q := &sliceQueue{}
	var seenBody string
	handler := Middleware(NewHook(q, nil), MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	payload := `{"email":"a@b.com","password":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users?dry_run=1", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderActorID, "admin-1")
	req.Header.Set(HeaderActorEmail, "admin@example.com")
	req.Header.Set(HeaderActorRole, "admin")
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seenBody != payload {
		t.Errorf("handler saw body %q, want the original", seenBody)
	}

	r := q.last(t)
	if r.ActionType != audit.ActionCreate || r.Resource != "users" || r.Action != "post_users" {
		t.Errorf("classification = %s %s %s", r.ActionType, r.Resource, r.Action)
	}
	if r.ActorID != "admin-1" || r.ActorEmail != "admin@example.com" || r.ActorRole != "admin" {
		t.Errorf("actor = %s %s %s", r.ActorID, r.ActorEmail, r.ActorRole)
	}
	if r.IPAddress != "10.1.2.3" || r.HTTPPath != "/api/v1/users" || !r.Success {
		t.Errorf("provenance = %+v", r)
	}
	if r.Metadata["query"] != "dry_run=1" {
		t.Errorf("query metadata = %v", r.Metadata["query"])
	}
	body := r.Metadata["request_body"].(map[string]interface{})
	if body["email"] != "a@b.com" || body["password"] != redact.Sentinel {
		t.Errorf("request_body = %v", body)
	}
}

func TestMiddleware_FailureStatusAndSkip(t *testing.T) {
	q := &sliceQueue{}
	mw := Middleware(NewHook(q, nil), MiddlewareOptions{
		Resource: "settings",
		Skip:     func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(q.records) != 0 {
		t.Fatalf("skipped request was captured")
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/settings/7", nil))
	r := q.last(t)
	if r.Success || r.ErrorMessage != "HTTP 403 Forbidden" {
		t.Errorf("outcome = %v %q", r.Success, r.ErrorMessage)
	}
	if r.ActionType != audit.ActionDelete || r.Resource != "settings" || r.Severity != audit.SeverityHigh {
		t.Errorf("record = %s %s %s", r.ActionType, r.Resource, r.Severity)
	}
}

func TestMiddleware_QueueFailureDoesNotAffectResponse(t *testing.T) {
	q := &sliceQueue{err: errors.New("redis down")}
	handler := Middleware(NewHook(q, nil), MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/audit/records", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/audit/records": "audit",
		"/servers/3":            "servers",
		"/":                     "root",
		"/api/v2":               "root",
	}
	for in, want := range tests {
		if got := resourceFromPath(in); got != want {
			t.Errorf("resourceFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
