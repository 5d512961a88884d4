package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/sink"
)

// fakeStore records persisted batches and simulates connect/persist faults.
type fakeStore struct {
	mu          sync.Mutex
	connectErr  error
	persistErr  error
	persistGate chan struct{}
	entered     chan struct{}
	connects    int
	batches     [][]logstore.Entry
}

func (f *fakeStore) Backend() logstore.Backend { return "fake" }

func (f *fakeStore) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeStore) Persist(_ context.Context, batch []logstore.Entry) error {
	if f.persistGate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.persistGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	copied := make([]logstore.Entry, len(batch))
	copy(copied, batch)
	f.batches = append(f.batches, copied)
	return nil
}

func (f *fakeStore) Close(context.Context) error { return nil }

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeStore) allEntries() []logstore.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []logstore.Entry
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func (f *fakeStore) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeStore) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func newTestLogger(t *testing.T, cfg Config, store logstore.Store) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.txt")
	fb := sink.NewFallback(path, 1, 1)
	t.Cleanup(func() { fb.Close() })

	logger, err := New(cfg, store, fb)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = logger.Close(ctx)
	})
	return logger, path
}

func fallbackLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read fallback: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNoFlushBelowThreshold(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 5, FlushInterval: time.Minute}, store)

	logger.Info("one", nil)
	logger.Info("two", nil)
	logger.Info("three", nil)

	waitFor(t, "entries buffered", func() bool { return logger.Status().BufferLength == 3 })
	if got := store.batchCount(); got != 0 {
		t.Fatalf("no flush may occur below threshold, got %d", got)
	}
}

func TestThresholdTriggersExactlyOneFlush(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 3, FlushInterval: time.Minute}, store)

	logger.Info("a", nil)
	logger.Info("b", nil)
	logger.Info("c", nil)

	waitFor(t, "threshold flush", func() bool { return store.batchCount() == 1 })
	if got := len(store.allEntries()); got != 3 {
		t.Fatalf("expected 3 entries flushed, got %d", got)
	}
	if got := logger.Status().BufferLength; got != 0 {
		t.Fatalf("buffer must be empty immediately after flush, got %d", got)
	}

	// No second flush for the same batch.
	time.Sleep(50 * time.Millisecond)
	if got := store.batchCount(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
}

func TestMinLevelFilteringDropsBeforeQueue(t *testing.T) {
	store := &fakeStore{}
	logger, path := newTestLogger(t, Config{MinLevel: logstore.LevelWarning, BatchSize: 10, FlushInterval: time.Minute}, store)

	logger.Debug("too quiet", nil)
	logger.Info("still too quiet", nil)
	logger.Flush()

	status := logger.Status()
	if status.QueueDepth != 0 || status.BufferLength != 0 {
		t.Fatalf("filtered entries must never reach the queue: %+v", status)
	}
	if store.batchCount() != 0 {
		t.Fatalf("filtered entries must never reach the store")
	}
	if lines := fallbackLines(t, path); len(lines) != 0 {
		t.Fatalf("filtered entries must never reach the fallback: %v", lines)
	}
}

func TestStoreFailureRoutesBatchToFallback(t *testing.T) {
	store := &fakeStore{persistErr: errors.New("write pipe broken")}
	logger, path := newTestLogger(t, Config{BatchSize: 10, FlushInterval: time.Minute}, store)

	logger.Info("first entry", map[string]any{"seq": 1})
	logger.Info("second entry", map[string]any{"seq": 2})
	logger.Flush()

	lines := fallbackLines(t, path)
	var entryLines []string
	for _, line := range lines {
		if strings.HasPrefix(line, "{") {
			entryLines = append(entryLines, line)
		}
	}
	if len(entryLines) != 2 {
		t.Fatalf("every batch entry must reach the fallback, got %d: %v", len(entryLines), lines)
	}
	if !strings.Contains(entryLines[0], "first entry") || !strings.Contains(entryLines[1], "second entry") {
		t.Fatalf("fallback must carry entries verbatim: %v", entryLines)
	}
	if got := logger.Status().BufferLength; got != 0 {
		t.Fatalf("buffer must be empty after a failed flush, got %d", got)
	}

	// A failed persist leaves readiness stale: the next flush goes straight
	// back to Persist without reconnecting.
	before := store.connectCount()
	logger.Info("third entry", nil)
	logger.Flush()
	if got := store.connectCount(); got != before {
		t.Fatalf("persist failure must not trigger reconnects, connects %d -> %d", before, got)
	}
}

func TestConnectFailureAtStartRoutesToFallback(t *testing.T) {
	store := &fakeStore{connectErr: errors.New("no route to host")}
	logger, path := newTestLogger(t, Config{BatchSize: 10, FlushInterval: time.Minute}, store)

	if logger.Status().Ready {
		t.Fatalf("store must not be ready after failed connect")
	}

	logger.Info("stranded", nil)
	logger.Flush()

	lines := fallbackLines(t, path)
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "[connect error]") {
		t.Fatalf("expected connect diagnostic in fallback: %v", lines)
	}
	if !strings.Contains(joined, "stranded") {
		t.Fatalf("expected batch routed to fallback: %v", lines)
	}
	if store.batchCount() != 0 {
		t.Fatalf("nothing may reach a disconnected store")
	}
}

func TestFlushReconnectsWhenNotReady(t *testing.T) {
	store := &fakeStore{connectErr: errors.New("down")}
	logger, _ := newTestLogger(t, Config{BatchSize: 10, FlushInterval: time.Minute}, store)

	store.setConnectErr(nil)
	logger.Info("back online", nil)
	logger.Flush()

	waitFor(t, "persist after reconnect", func() bool { return store.batchCount() == 1 })
	if !logger.Status().Ready {
		t.Fatalf("successful reconnect during flush must set readiness")
	}
}

func TestReopenRecordsOutcomeOnFallback(t *testing.T) {
	store := &fakeStore{connectErr: errors.New("still down")}
	logger, path := newTestLogger(t, Config{BatchSize: 10, FlushInterval: time.Minute}, store)

	if logger.Reopen(context.Background()) {
		t.Fatalf("reopen must report failure while the store is down")
	}
	store.setConnectErr(nil)
	if !logger.Reopen(context.Background()) {
		t.Fatalf("reopen must report success once the store answers")
	}

	joined := strings.Join(fallbackLines(t, path), "\n")
	if !strings.Contains(joined, "failed to reconnect") {
		t.Fatalf("expected failed reopen diagnostic: %s", joined)
	}
	if !strings.Contains(joined, "reconnected to fake store") {
		t.Fatalf("expected successful reopen diagnostic: %s", joined)
	}
}

func TestCloseDrainsPendingEntries(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 100, FlushInterval: time.Minute}, store)

	for i := 0; i < 10; i++ {
		logger.Info("pending", map[string]any{"i": i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := logger.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(store.allEntries()); got != 10 {
		t.Fatalf("entries enqueued before close must be persisted, got %d", got)
	}

	// Logging after close is a silent no-op.
	logger.Info("after close", nil)
	if got := len(store.allEntries()); got != 10 {
		t.Fatalf("entries after close must be dropped, got %d", got)
	}
}

func TestQueueFullDropsInsteadOfBlocking(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{persistGate: gate, entered: make(chan struct{}, 1)}
	logger, _ := newTestLogger(t, Config{BatchSize: 1, QueueCapacity: 2, FlushInterval: time.Minute}, store)

	// First entry reaches the threshold and parks the worker inside Persist.
	logger.Info("blocker", nil)
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatalf("worker never reached the store")
	}

	// Fill the queue, then overflow it; the overflow must not block.
	logger.Info("q1", nil)
	logger.Info("q2", nil)
	done := make(chan struct{})
	go func() {
		logger.Info("overflow", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("producer blocked on a full queue")
	}

	close(gate)
	waitFor(t, "queued entries delivered", func() bool { return len(store.allEntries()) == 3 })

	for _, entry := range store.allEntries() {
		if entry.Message == "overflow" {
			t.Fatalf("overflow entry should have been dropped")
		}
	}
}
