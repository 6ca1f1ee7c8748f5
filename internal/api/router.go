// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/capture"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/middleware"
	"github.com/tomtom215/auditpipe/internal/pipeline"
	"github.com/tomtom215/auditpipe/internal/query"
)

// QueryService is the read and maintenance side of the audit log.
// *query.Engine implements it.
type QueryService interface {
	Find(ctx context.Context, req query.ListRequest) (*query.ListResult, error)
	Get(ctx context.Context, id string) (*audit.Record, error)
	Statistics(ctx context.Context, req query.StatsRequest) (*audit.Statistics, bool, error)
	Recent(ctx context.Context, actor string, n int) ([]*audit.Record, bool, error)
	MarkReviewed(ctx context.Context, id, reviewer string) (*audit.Record, error)
	Archive(ctx context.Context, ageDays int) (int64, error)
	Purge(ctx context.Context, olderThanDays int) (int64, error)
}

// DeadLetterStore lists and replays failed batches.
// *deadletter.BadgerSink implements it.
type DeadLetterStore interface {
	List(ctx context.Context) ([]deadletter.Summary, error)
	Replay(ctx context.Context, id string, q deadletter.Enqueuer) (int, error)
}

// Deps wires the router to the pipeline.
type Deps struct {
	Query      QueryService
	DeadLetter DeadLetterStore
	// Queue receives replayed dead-letter records.
	Queue deadletter.Enqueuer
	// Hook audits access to the admin API. Nil disables self-auditing.
	Hook   *capture.Hook
	Health func(ctx context.Context) pipeline.Health

	// RetentionDays is the archive age used when a request names none.
	RetentionDays int
	Middleware    MiddlewareConfig
}

// DepsFromPipeline wires every dependency from a built pipeline.
func DepsFromPipeline(p *pipeline.Pipeline, retentionDays int, mw MiddlewareConfig) Deps {
	return Deps{
		Query:         p.Engine,
		DeadLetter:    p.DeadLetter,
		Queue:         p.Queue,
		Hook:          p.Hook,
		Health:        p.Health,
		RetentionDays: retentionDays,
		Middleware:    mw,
	}
}

// Router serves the admin API.
type Router struct {
	deps    Deps
	latency *middleware.LatencyTracker
}

// NewRouter creates a router.
func NewRouter(deps Deps) *Router {
	if deps.RetentionDays <= 0 {
		deps.RetentionDays = 90
	}
	return &Router{
		deps:    deps,
		latency: middleware.NewLatencyTracker(deps.Middleware.LatencySamples, deps.Middleware.SlowRequestThreshold),
	}
}

// Handler builds the chi handler tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDWithLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(rt.deps.Middleware))

	r.Get("/healthz", rt.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/latency", rt.latencyStats)

	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Use(rateLimit(rt.deps.Middleware))
		r.Use(requestMetrics)
		r.Use(rt.latency.Middleware)
		// promhttp compresses /metrics itself.
		r.Use(middleware.Compression)
		if rt.deps.Hook != nil {
			// Reads are not self-audited: every flush clears the query cache.
			r.Use(capture.Middleware(rt.deps.Hook, capture.MiddlewareOptions{Resource: "audit_log", Skip: readOnly}))
		}

		r.Get("/records", rt.listRecords)
		r.Get("/records/{id}", rt.getRecord)
		r.Post("/records/{id}/review", rt.reviewRecord)
		r.Get("/statistics", rt.statistics)
		r.Get("/actors/{actorID}/recent", rt.recentByActor)

		r.Post("/archive", rt.archive)
		r.Post("/purge", rt.purge)

		r.Get("/deadletters", rt.listDeadLetters)
		r.Post("/deadletters/{id}/replay", rt.replayDeadLetter)
	})

	return r
}

func readOnly(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
