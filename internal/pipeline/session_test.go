package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/convolog/convolog/internal/domain/logstore"
)

func TestSessionBindsIDToEntries(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 100, FlushInterval: time.Minute}, store)

	session := logger.Session("sess-42")
	if session.ID() != "sess-42" {
		t.Fatalf("session id = %q", session.ID())
	}
	session.Info("step one", nil)
	session.Warning("step two", map[string]any{"retries": 2})
	logger.Flush()

	entries := store.allEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.SessionID != "sess-42" {
			t.Fatalf("entry %q carries session %q", entry.Message, entry.SessionID)
		}
	}
	if entries[1].Level != logstore.LevelWarning {
		t.Fatalf("level = %s", entries[1].Level)
	}
}

func TestSessionRunFlushesOnSuccess(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 100, FlushInterval: time.Minute}, store)

	err := logger.Session("ok").Run(func(s *Session) error {
		s.Info("starting", nil)
		s.Info("finishing", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	entries := store.allEntries()
	if len(entries) != 2 {
		t.Fatalf("run must flush on exit, got %d entries", len(entries))
	}
	for _, entry := range entries {
		if entry.Level != logstore.LevelInfo {
			t.Fatalf("unexpected level %s for %q", entry.Level, entry.Message)
		}
	}
}

func TestSessionRunLogsAndPropagatesError(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 100, FlushInterval: time.Minute}, store)

	boom := errors.New("downstream exploded")
	err := logger.Session("bad").Run(func(s *Session) error {
		s.Info("before failure", nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("run must return the error unchanged, got %v", err)
	}

	entries := store.allEntries()
	if len(entries) != 2 {
		t.Fatalf("expected info + error entries, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Level != logstore.LevelError {
		t.Fatalf("failure must be logged at ERROR, got %s", last.Level)
	}
	if !strings.Contains(last.Message, "downstream exploded") {
		t.Fatalf("error entry must carry the cause: %q", last.Message)
	}
	if last.SessionID != "bad" {
		t.Fatalf("error entry must stay session-scoped, got %q", last.SessionID)
	}
	if got, ok := last.Attrs["error"].(string); !ok || got != "downstream exploded" {
		t.Fatalf("error attr = %v", last.Attrs["error"])
	}
}

func TestSessionRunLogsPanicWithStackAndRethrows(t *testing.T) {
	store := &fakeStore{}
	logger, _ := newTestLogger(t, Config{BatchSize: 100, FlushInterval: time.Minute}, store)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = logger.Session("doomed").Run(func(s *Session) error {
			s.Info("reached the edge", nil)
			panic("over the edge")
		})
	}()
	if recovered != "over the edge" {
		t.Fatalf("panic must propagate unchanged, got %v", recovered)
	}

	entries := store.allEntries()
	if len(entries) != 2 {
		t.Fatalf("expected info + panic entries, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Level != logstore.LevelError {
		t.Fatalf("panic must be logged at ERROR, got %s", last.Level)
	}
	if !strings.Contains(last.Message, "panic: over the edge") {
		t.Fatalf("panic entry must name the cause: %q", last.Message)
	}
	if !strings.Contains(last.Message, "session_test.go") {
		t.Fatalf("panic entry must carry a stack trace: %q", last.Message)
	}
}
