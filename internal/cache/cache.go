// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditpipe/internal/metrics"
)

// Key namespaces used by the query engine.
const (
	NamespaceStats  = "stats"
	NamespaceRecent = "recent"
)

// ErrUnavailable is returned when the cache backend cannot serve a request.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Cacher is implemented by every cache backend.
//
// Get decodes the cached JSON value into dst and reports whether the key was
// present. Invalidate removes every key starting with prefix; an empty
// prefix removes everything.
type Cacher interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) error
}

// Entry represents a cached item with expiration
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Stats tracks cache performance metrics
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	TotalKeys   int64
	LastCleanup time.Time
}

// MemoryCache is a thread-safe in-process cache with TTL support.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	statsMu sync.RWMutex
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory cache whose entries default to ttl and
// starts a cleanup goroutine that runs every cleanupInterval until Close.
func NewMemory(ttl, cleanupInterval time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &MemoryCache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		stats:   Stats{LastCleanup: time.Now()},
		stop:    make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

// Get retrieves a value by key. Expired entries are removed and counted as
// a miss.
func (c *MemoryCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return false, nil
	}

	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.recordMiss()
		c.recordEvictions(1)
		return false, nil
	}

	if err := json.Unmarshal(entry.Data, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	c.recordHit()
	return true, nil
}

// Put stores value under key. A non-positive ttl selects the default.
func (c *MemoryCache) Put(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	c.entries[key] = Entry{Data: data, ExpiresAt: time.Now().Add(ttl)}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.TotalKeys = total
	c.statsMu.Unlock()
	return nil
}

// Invalidate removes every key that starts with prefix.
func (c *MemoryCache) Invalidate(_ context.Context, prefix string) error {
	c.mu.Lock()
	var removed int64
	if prefix == "" {
		removed = int64(len(c.entries))
		c.entries = make(map[string]Entry)
	} else {
		for key := range c.entries {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				delete(c.entries, key)
				removed++
			}
		}
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Evictions += removed
	c.stats.TotalKeys = total
	c.statsMu.Unlock()
	return nil
}

// GetStats returns a snapshot of the cache statistics.
func (c *MemoryCache) GetStats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// HitRate returns the cache hit rate as a percentage
func (c *MemoryCache) HitRate() float64 {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0.0
	}
	return float64(stats.Hits) / float64(total) * 100.0
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup removes all expired entries
func (c *MemoryCache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	var evictions int64
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			evictions++
		}
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Evictions += evictions
	c.stats.TotalKeys = total
	c.stats.LastCleanup = now
	c.statsMu.Unlock()
}

func (c *MemoryCache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *MemoryCache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *MemoryCache) recordEvictions(n int64) {
	c.statsMu.Lock()
	c.stats.Evictions += n
	c.statsMu.Unlock()
}

// GenerateKey creates a canonical cache key from a namespace and the query
// parameters. Parameters are JSON encoded (map keys sorted) and hashed.
func GenerateKey(namespace string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", namespace, params)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", namespace, hash[:16])
}

// Lookup is the read-through helper used by the query engine. It records
// hit/miss metrics under namespace. A failing backend is reported as a miss
// with healthy=false so the caller can skip the write-back.
func Lookup(ctx context.Context, c Cacher, namespace, key string, dst interface{}) (hit, healthy bool) {
	if c == nil {
		return false, false
	}
	found, err := c.Get(ctx, key, dst)
	if err != nil {
		return false, false
	}
	if found {
		metrics.CacheHits.WithLabelValues(namespace).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(namespace).Inc()
	}
	return found, true
}

var _ Cacher = (*MemoryCache)(nil)
