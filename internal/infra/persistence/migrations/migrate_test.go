package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir temp migrations: %v", err)
	}

	resolved, err := resolveDir(path)
	if err != nil {
		t.Fatalf("resolveDir returned error: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("expected absolute path, got %s", resolved)
	}
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	_, err := resolveDir(path)
	if !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestFileURL(t *testing.T) {
	got := fileURL("/var/lib/convolog/migrations")
	if !strings.HasPrefix(got, "file://") {
		t.Fatalf("expected file scheme, got %s", got)
	}
	if !strings.HasSuffix(got, "/var/lib/convolog/migrations") {
		t.Fatalf("expected path preserved, got %s", got)
	}
}

func TestApplyRejectsEmptyDir(t *testing.T) {
	err := Apply(context.Background(), "postgres://localhost/logs", "  ", nil)
	if err == nil {
		t.Fatal("expected error for empty migrations dir")
	}
}

func TestRollbackValidatesPathBeforeConnecting(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", "still-missing", 1, nil)
	if err == nil {
		t.Fatal("expected error for missing migrations dir")
	}
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", t.TempDir(), 0, nil)
	if err == nil {
		t.Fatal("expected error for zero steps")
	}
}
