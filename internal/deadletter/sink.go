// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package deadletter stores audit batches that could not be persisted
// after every retry. It is an append-only BadgerDB store, separate from the
// relational store, so a storage outage cannot take the dead letters with
// it. Operators list batches and replay them into the queue once storage
// has recovered.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
	"github.com/tomtom215/auditpipe/internal/metrics"
)

var (
	// ErrSinkClosed is returned for operations on a closed sink.
	ErrSinkClosed = errors.New("deadletter: sink closed")

	// ErrEntryNotFound is returned when no batch has the requested ID.
	ErrEntryNotFound = errors.New("deadletter: batch not found")

	// ErrEmptyBatch is returned when writing a batch without records.
	ErrEmptyBatch = errors.New("deadletter: empty batch")
)

const prefixBatch = "batch:"

// Batch is one dead-lettered group of records.
type Batch struct {
	ID       string          `json:"id"`
	Records  []*audit.Record `json:"records"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// Summary describes a batch without its records.
type Summary struct {
	ID          string    `json:"id"`
	RecordCount int       `json:"record_count"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// Stats reports the sink contents.
type Stats struct {
	Batches int64 `json:"batches"`
	Records int64 `json:"records"`
}

// Config configures the sink.
type Config struct {
	// Path is the BadgerDB directory. Empty with InMemory=false is invalid.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often Serve runs value-log garbage collection.
	GCInterval time.Duration
}

// Enqueuer receives replayed records.
type Enqueuer interface {
	Enqueue(ctx context.Context, record *audit.Record) error
}

// BadgerSink is the BadgerDB-backed dead-letter store.
type BadgerSink struct {
	db         *badger.DB
	gcInterval time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the sink.
func Open(cfg Config) (*BadgerSink, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("deadletter: path is required")
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("Dead-letter sink opened")
	return &BadgerSink{db: db, gcInterval: cfg.GCInterval}, nil
}

// Write stores a batch. FailedAt defaults to now.
func (s *BadgerSink) Write(ctx context.Context, b *Batch) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if b == nil || len(b.Records) == 0 {
		return ErrEmptyBatch
	}
	if b.ID == "" {
		b.ID = logging.GenerateBatchID()
	}
	if b.FailedAt.IsZero() {
		b.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixBatch+b.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write to BadgerDB: %w", err)
	}

	metrics.DeadLetterRecords.Add(float64(len(b.Records)))
	return nil
}

// Get returns a batch with its records.
func (s *BadgerSink) Get(ctx context.Context, id string) (*Batch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var b Batch
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixBatch + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns summaries of every stored batch, oldest failure first.
func (s *BadgerSink) List(ctx context.Context) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixBatch)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var b Batch
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping corrupted dead-letter batch")
				continue
			}
			out = append(out, Summary{
				ID:          b.ID,
				RecordCount: len(b.Records),
				Error:       b.Error,
				Attempts:    b.Attempts,
				FailedAt:    b.FailedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

// Delete removes a batch.
func (s *BadgerSink) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixBatch + id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		} else if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}
		return txn.Delete(key)
	})
}

// Replay re-enqueues every record of a batch and deletes the batch once
// all of them were accepted. A partial replay keeps the batch. Records keep
// their IDs, so replaying again enqueues duplicates that storage skips.
func (s *BadgerSink) Replay(ctx context.Context, id string, q Enqueuer) (int, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	for i, r := range b.Records {
		if err := q.Enqueue(ctx, r); err != nil {
			return i, fmt.Errorf("replay record %d of %d: %w", i+1, len(b.Records), err)
		}
	}
	if err := s.Delete(ctx, id); err != nil {
		return len(b.Records), err
	}

	logging.Info().Str("batch_id", id).Int("records", len(b.Records)).Msg("Dead-letter batch replayed")
	return len(b.Records), nil
}

// Stats counts stored batches and records.
func (s *BadgerSink) Stats(ctx context.Context) (Stats, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Batches: int64(len(list))}
	for _, b := range list {
		st.Records += int64(b.RecordCount)
	}
	return st, nil
}

// Serve runs value-log garbage collection until ctx ends. It satisfies
// suture.Service.
func (s *BadgerSink) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runGC()
		}
	}
}

func (s *BadgerSink) runGC() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
			logging.Warn().Err(err).Msg("Dead-letter value log GC failed")
		}
		return
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *BadgerSink) String() string {
	return "deadletter-gc"
}

// Close closes the database. It is safe to call more than once.
func (s *BadgerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	return nil
}

func (s *BadgerSink) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}
