package persistence

import (
	"path/filepath"
	"testing"

	"github.com/convolog/convolog/errs"
	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/infra/config"
)

func TestNewStorePostgres(t *testing.T) {
	store, err := NewStore(config.StoreConfig{
		Backend:    string(logstore.BackendPostgres),
		DSN:        "postgresql://localhost:5432/convolog_test",
		Collection: "session_logs",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Backend() != logstore.BackendPostgres {
		t.Fatalf("backend = %s", store.Backend())
	}
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore(config.StoreConfig{
		Backend: string(logstore.BackendSQLite),
		Path:    filepath.Join(t.TempDir(), "logs.db"),
		Table:   "logs",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Backend() != logstore.BackendSQLite {
		t.Fatalf("backend = %s", store.Backend())
	}
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore(config.StoreConfig{Backend: "mongodb"})
	if err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid code, got %v", err)
	}
}
