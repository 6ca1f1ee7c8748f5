// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package cache

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

// GuardConfig configures the circuit breaker in front of a cache backend.
type GuardConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
}

// Guarded wraps a Cacher with a circuit breaker. Every backend error and
// every call rejected by an open circuit is reported as ErrUnavailable.
type Guarded struct {
	next Cacher
	cb   *gobreaker.CircuitBreaker[interface{}]
}

// NewGuarded wraps next.
func NewGuarded(next Cacher, cfg GuardConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Cache circuit breaker state change")
		},
	})
	return &Guarded{next: next, cb: cb}
}

// Get implements Cacher.
func (g *Guarded) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Get(ctx, key, dst)
	})
	if err != nil {
		return false, g.unavailable("get", err)
	}
	hit, _ := res.(bool)
	return hit, nil
}

// Put implements Cacher.
func (g *Guarded) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.Put(ctx, key, value, ttl)
	})
	if err != nil {
		return g.unavailable("put", err)
	}
	return nil
}

// Invalidate implements Cacher.
func (g *Guarded) Invalidate(ctx context.Context, prefix string) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.Invalidate(ctx, prefix)
	})
	if err != nil {
		return g.unavailable("invalidate", err)
	}
	metrics.CacheInvalidations.Inc()
	return nil
}

// State returns the breaker state name, for health reporting.
func (g *Guarded) State() string {
	return g.cb.State().String()
}

func (g *Guarded) unavailable(op string, err error) error {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

var _ Cacher = (*Guarded)(nil)
