// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/cache"
	"github.com/tomtom215/auditpipe/internal/deadletter"
	"github.com/tomtom215/auditpipe/internal/metrics"
	"github.com/tomtom215/auditpipe/internal/notify"
	"github.com/tomtom215/auditpipe/internal/queue"
	"github.com/tomtom215/auditpipe/internal/store"
)

// batchRecorder records the size of every successful CreateMany call.
type batchRecorder struct {
	audit.Repository

	mu      sync.Mutex
	batches []int
	at      []time.Time
}

func (b *batchRecorder) CreateMany(ctx context.Context, records []*audit.Record) ([]string, error) {
	ids, err := b.Repository.CreateMany(ctx, records)
	if err == nil {
		b.mu.Lock()
		b.batches = append(b.batches, len(records))
		b.at = append(b.at, time.Now())
		b.mu.Unlock()
	}
	return ids, err
}

func (b *batchRecorder) snapshot() ([]int, []time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.batches...), append([]time.Time(nil), b.at...)
}

// fakeSignals captures signals in memory.
type fakeSignals struct {
	mu      sync.Mutex
	flushes []notify.FlushEvent
	alerts  []notify.Alert
}

func (f *fakeSignals) FlushCompleted(_ context.Context, ev notify.FlushEvent) {
	f.mu.Lock()
	f.flushes = append(f.flushes, ev)
	f.mu.Unlock()
}

func (f *fakeSignals) Critical(_ context.Context, a notify.Alert) {
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
}

func (f *fakeSignals) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes), len(f.alerts)
}

type fixture struct {
	q       *queue.MemoryQueue
	mem     *store.MemoryStore
	flaky   *store.FlakyRepository
	rec     *batchRecorder
	sink    *deadletter.BadgerSink
	cache   *cache.MemoryCache
	signals *fakeSignals
	w       *Writer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	sink, err := deadletter.Open(deadletter.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	f := &fixture{
		q:       queue.NewMemory(queue.Config{BufferSize: 100, PollInterval: 100 * time.Millisecond}),
		mem:     store.NewMemoryStore(),
		sink:    sink,
		cache:   cache.NewMemory(time.Minute, time.Minute),
		signals: &fakeSignals{},
	}
	t.Cleanup(func() { _ = f.cache.Close() })
	f.flaky = store.NewFlaky(f.mem)
	f.rec = &batchRecorder{Repository: f.flaky}

	w, err := New(cfg, Deps{
		Queue:      f.q,
		Repo:       f.rec,
		DeadLetter: sink,
		Cache:      f.cache,
		Signals:    f.signals,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.w = w
	return f
}

func (f *fixture) enqueue(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.q.Enqueue(context.Background(), &audit.Record{
			ActionType: audit.ActionUpdate,
			Severity:   audit.SeverityMedium,
			Success:    true,
			Resource:   "server",
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

// start runs a single worker until the test ends and returns its exit.
func (f *fixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	svc := f.w.Workers()[0]
	go func() {
		done <- svc.Serve(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
		Workers:       1,
		MaxAttempts:   3,
		BackoffBase:   10 * time.Millisecond,
		BackoffFactor: 2,
		BackoffMax:    50 * time.Millisecond,
		DrainTimeout:  200 * time.Millisecond,
		ErrorPause:    10 * time.Millisecond,
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("New() without deps should fail")
	}
}

func TestBackoff(t *testing.T) {
	w := &Writer{cfg: DefaultConfig()}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := w.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestWriter_AtLeastOnceAfterStorageFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.flaky.FailNextWrites(1)
	retriesBefore := testutil.ToFloat64(metrics.BatchRetries)

	f.enqueue(t, 3)
	f.start(t)

	waitFor(t, 3*time.Second, func() bool { return f.mem.Len() == 3 })

	if got := f.flaky.WriteCalls(); got < 2 {
		t.Errorf("WriteCalls() = %d, want at least 2", got)
	}
	if got := testutil.ToFloat64(metrics.BatchRetries) - retriesBefore; got < 1 {
		t.Errorf("retries delta = %v, want >= 1", got)
	}
	stats, _ := f.sink.Stats(context.Background())
	if stats.Batches != 0 {
		t.Errorf("dead-letter batches = %d, want 0", stats.Batches)
	}
}

func TestWriter_FlushIsAllOrNothingAcrossRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enqueue(t, 4)
	msgs, err := f.q.Dequeue(context.Background(), 4, 50*time.Millisecond)
	if err != nil || len(msgs) != 4 {
		t.Fatalf("Dequeue() = %d, %v", len(msgs), err)
	}

	// Fail the first attempt; the store must stay empty until the retry.
	f.flaky.FailNextWrites(1)
	k := f.w.Workers()[0].(*worker)
	ids, attempts, err := k.persist(context.Background(), recordsFor(msgs))
	if err != nil {
		t.Fatalf("persist() error = %v", err)
	}
	if attempts != 2 || len(ids) != 4 {
		t.Errorf("attempts = %d, ids = %d; want 2, 4", attempts, len(ids))
	}
	if f.mem.Len() != 4 {
		t.Errorf("store has %d records, want 4", f.mem.Len())
	}
}

func TestWriter_TimeBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = 500 * time.Millisecond
	f := newFixture(t, cfg)
	f.start(t)

	// Let the worker settle into its idle wait first.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	f.enqueue(t, 2)
	time.Sleep(600 * time.Millisecond)

	batches, at := f.rec.snapshot()
	if len(batches) != 1 || batches[0] != 2 {
		t.Fatalf("batches = %v, want exactly one batch of 2", batches)
	}
	if elapsed := at[0].Sub(start); elapsed < 400*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Errorf("flush after %v, want about 500ms", elapsed)
	}
}

func TestWriter_CountBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = 5 * time.Second
	f := newFixture(t, cfg)
	f.start(t)

	start := time.Now()
	f.enqueue(t, 3)
	waitFor(t, 2*time.Second, func() bool { return f.mem.Len() == 3 })

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("count boundary flushed after %v", elapsed)
	}
	batches, _ := f.rec.snapshot()
	if len(batches) != 1 || batches[0] != 3 {
		t.Errorf("batches = %v, want [3]", batches)
	}
}

func TestWriter_DeadLetterAfterExhaustion(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.flaky.FailNextWrites(100)

	f.enqueue(t, 2)
	msgs, _ := f.q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	k := f.w.Workers()[0].(*worker)
	k.flush(context.Background(), msgs)

	if got := f.flaky.WriteCalls(); got != cfg.MaxAttempts {
		t.Errorf("WriteCalls() = %d, want %d", got, cfg.MaxAttempts)
	}
	stats, err := f.sink.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 1 || stats.Records != 2 {
		t.Errorf("sink stats = %+v, want 1 batch of 2", stats)
	}
	flushes, alerts := f.signals.counts()
	if flushes != 0 || alerts != 1 {
		t.Errorf("signals = %d flushes, %d alerts; want 0, 1", flushes, alerts)
	}

	// The pipeline keeps going with the next batch.
	f.enqueue(t, 1)
	next, _ := f.q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	f.flaky.FailNextWrites(0)
	k.flush(context.Background(), next)
	if f.mem.Len() != 1 {
		t.Errorf("store has %d records after recovery, want 1", f.mem.Len())
	}
}

func TestWriter_InvalidRecordsDoNotSinkTheBatch(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	for _, at := range []audit.ActionType{audit.ActionCreate, "SIGNUP", audit.ActionDelete} {
		if err := f.q.Enqueue(ctx, &audit.Record{ActionType: at, Severity: audit.SeverityLow, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := f.q.Dequeue(ctx, 10, 50*time.Millisecond)
	if len(msgs) != 3 {
		t.Fatalf("dequeued %d messages, want 3", len(msgs))
	}
	f.w.Workers()[0].(*worker).flush(ctx, msgs)

	if f.mem.Len() != 2 {
		t.Errorf("store has %d records, want the 2 valid ones", f.mem.Len())
	}
	if got := f.flaky.WriteCalls(); got != 1 {
		t.Errorf("WriteCalls() = %d, want 1", got)
	}
	stats, err := f.sink.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 1 || stats.Records != 1 {
		t.Errorf("sink stats = %+v, want 1 batch of 1", stats)
	}
	list, _ := f.sink.List(ctx)
	if len(list) == 1 && !strings.Contains(list[0].Error, "SIGNUP") {
		t.Errorf("dead-letter error = %q, want the rejected action type", list[0].Error)
	}
	flushes, alerts := f.signals.counts()
	if flushes != 1 || alerts != 1 {
		t.Errorf("signals = %d flushes, %d alerts; want 1, 1", flushes, alerts)
	}
}

func TestWriter_AllInvalidBatchSkipsStorage(t *testing.T) {
	f := newFixture(t, testConfig())
	if err := f.q.Enqueue(context.Background(), &audit.Record{ActionType: "BOGUS", Success: true}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	f.w.Workers()[0].(*worker).flush(context.Background(), msgs)

	if got := f.flaky.WriteCalls(); got != 0 {
		t.Errorf("WriteCalls() = %d, want 0", got)
	}
	stats, _ := f.sink.Stats(context.Background())
	if stats.Batches != 1 {
		t.Errorf("dead-letter batches = %d, want 1", stats.Batches)
	}
}

// rejectingRepo refuses every batch as invalid.
type rejectingRepo struct {
	audit.Repository
	calls int
}

func (r *rejectingRepo) CreateMany(context.Context, []*audit.Record) ([]string, error) {
	r.calls++
	return nil, fmt.Errorf("%w: constraint violated", audit.ErrInvalidRecord)
}

func TestWriter_RepositoryRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	repo := &rejectingRepo{Repository: f.mem}
	w, err := New(testConfig(), Deps{Queue: f.q, Repo: repo, DeadLetter: f.sink})
	if err != nil {
		t.Fatal(err)
	}

	f.enqueue(t, 2)
	msgs, _ := f.q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	w.Workers()[0].(*worker).flush(context.Background(), msgs)

	if repo.calls != 1 {
		t.Errorf("CreateMany calls = %d, want 1", repo.calls)
	}
	stats, _ := f.sink.Stats(context.Background())
	if stats.Batches != 1 || stats.Records != 2 {
		t.Errorf("sink stats = %+v, want 1 batch of 2", stats)
	}
}

func TestWriter_FlushInvalidatesCacheAndSignals(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	if err := f.cache.Put(ctx, "stats:abc", 42, time.Minute); err != nil {
		t.Fatal(err)
	}

	f.enqueue(t, 2)
	msgs, _ := f.q.Dequeue(ctx, 10, 50*time.Millisecond)
	f.w.Workers()[0].(*worker).flush(ctx, msgs)

	var v int
	if hit, _ := f.cache.Get(ctx, "stats:abc", &v); hit {
		t.Error("cache entry survived a flush")
	}
	flushes, _ := f.signals.counts()
	if flushes != 1 {
		t.Fatalf("flush signals = %d, want 1", flushes)
	}
	ev := f.signals.flushes[0]
	if ev.Records != 2 || len(ev.RecordIDs) != 2 || ev.RecordIDs[0] != msgs[0].ID {
		t.Errorf("FlushEvent = %+v", ev)
	}
}

func TestWriter_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.enqueue(t, 2)
	msgs, _ := f.q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	k := f.w.Workers()[0].(*worker)

	k.flush(context.Background(), msgs)
	k.flush(context.Background(), msgs)

	if f.mem.Len() != 2 {
		t.Errorf("store has %d records after redelivery, want 2", f.mem.Len())
	}
}

func TestWriter_ShutdownDrainsPartialBatch(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Second
	f := newFixture(t, cfg)
	cancel, done := f.start(t)

	f.enqueue(t, 2)
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	if f.mem.Len() != 2 {
		t.Errorf("store has %d records after shutdown, want 2", f.mem.Len())
	}
}

func TestWriter_WaitTracksRunningWorkers(t *testing.T) {
	f := newFixture(t, testConfig())
	if err := f.w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() with no workers = %v", err)
	}

	cancel, done := f.start(t)
	waitFor(t, time.Second, func() bool { return f.w.running.Load() == 1 })

	short, stop := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer stop()
	if err := f.w.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() while serving = %v, want DeadlineExceeded", err)
	}

	cancel()
	if err := f.w.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after cancel = %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Serve did not return after Wait")
	}
}

func TestShutdownBudget(t *testing.T) {
	w := newFixture(t, DefaultConfig()).w
	// Two retried batches of 2s+4s each, plus the 5s drain.
	if got, want := w.ShutdownBudget(), 17*time.Second; got != want {
		t.Errorf("ShutdownBudget() = %v, want %v", got, want)
	}
}

func TestWriter_ClosedQueueStopsWorker(t *testing.T) {
	f := newFixture(t, testConfig())
	_ = f.q.Close()

	svc := f.w.Workers()[0]
	err := svc.Serve(context.Background())
	if !errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve() = %v, want ErrDoNotRestart", err)
	}
}

func TestWorkers_Names(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	f := newFixture(t, cfg)
	svcs := f.w.Workers()
	if len(svcs) != 3 {
		t.Fatalf("Workers() = %d, want 3", len(svcs))
	}
	if s, ok := svcs[2].(interface{ String() string }); !ok || s.String() != "batch-writer-3" {
		t.Errorf("third worker name = %v", svcs[2])
	}
}
