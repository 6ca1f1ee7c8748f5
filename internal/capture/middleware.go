// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package capture

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
)

// Trusted identity headers set by the upstream identity layer.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorEmail = "X-Actor-Email"
	HeaderActorRole  = "X-Actor-Role"
)

const defaultMaxBodyBytes = 64 << 10

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// Resource names the audited resource. When empty it is derived from
	// the first path segment after an /api/vN prefix.
	Resource string
	// MaxBodyBytes caps how much of a JSON request body is captured.
	MaxBodyBytes int64
	// Skip excludes requests from auditing, e.g. health probes.
	Skip func(r *http.Request) bool
}

// Middleware audits every request passing through it. The record is
// captured after the handler returns so that status and duration are known.
func Middleware(h *Hook, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			body := peekJSONBody(r, opts.MaxBodyBytes)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			resource := opts.Resource
			if resource == "" {
				resource = resourceFromPath(r.URL.Path)
			}

			metadata := map[string]interface{}{}
			if id := logging.RequestIDFromContext(r.Context()); id != "" {
				metadata["request_id"] = id
			}
			if q := r.URL.RawQuery; q != "" {
				metadata["query"] = q
			}

			h.Capture(r.Context(), ActionContext{
				Timestamp:   start,
				ActionType:  ActionTypeForMethod(r.Method),
				Action:      strings.ToLower(r.Method) + "_" + resource,
				Description: r.Method + " " + r.URL.Path,
				Resource:    resource,
				ActorID:     r.Header.Get(HeaderActorID),
				ActorEmail:  r.Header.Get(HeaderActorEmail),
				ActorRole:   r.Header.Get(HeaderActorRole),
				HTTPMethod:  r.Method,
				HTTPPath:    r.URL.Path,
				IPAddress:   clientIP(r),
				UserAgent:   r.UserAgent(),
				Duration:    time.Since(start),
				StatusCode:  status,
				Metadata:    metadata,
				RequestBody: body,
			})
		})
	}
}

// ActionTypeForMethod maps an HTTP method to an action type.
func ActionTypeForMethod(method string) audit.ActionType {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionView
	}
}

// peekJSONBody decodes up to limit bytes of a JSON body and restores the
// body for the handler. Non-JSON or oversized bodies yield nil.
func peekJSONBody(r *http.Request, limit int64) interface{} {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || int64(len(buf)) > limit || len(buf) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil
	}
	return v
}

func resourceFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "api" && strings.HasPrefix(parts[1], "v") {
		parts = parts[2:]
	}
	for _, p := range parts {
		if p != "" {
			return p
		}
	}
	return "root"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
