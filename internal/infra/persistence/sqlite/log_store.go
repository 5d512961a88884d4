// Package sqlite implements the relational store adapter: one flat row per
// log entry, table created on first connect.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure-Go driver, no CGO required

	"github.com/convolog/convolog/errs"
	"github.com/convolog/convolog/internal/domain/logstore"
)

// DefaultTable is the flat log table used when none is configured.
const DefaultTable = "logs"

const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS %TABLE% (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    extra TEXT NOT NULL DEFAULT '{}',
    session_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_%TABLE%_session ON %TABLE% (session_id);
`

	insertSQL = `
INSERT INTO %TABLE% (timestamp, level, message, extra, session_id)
VALUES (?, ?, ?, ?, ?);
`
)

// LogStore persists log entries as flat relational rows in SQLite.
type LogStore struct {
	path  string
	table string

	mu sync.Mutex
	db *sql.DB
}

// NewLogStore constructs the adapter for the given database path (a file
// path or ":memory:") and table name. An empty table uses DefaultTable.
func NewLogStore(path, table string) (*LogStore, error) {
	if path == "" {
		return nil, errs.New("store/sqlite", errs.CodeInvalid,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("database path required"))
	}
	if table == "" {
		table = DefaultTable
	}
	if err := validateTable(table); err != nil {
		return nil, err
	}
	return &LogStore{path: path, table: table}, nil
}

// Backend identifies the adapter variant.
func (s *LogStore) Backend() logstore.Backend { return logstore.BackendSQLite }

// Connect opens the database and creates the log table if absent. An
// existing handle is closed first so a reopen always starts fresh.
func (s *LogStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	connStr := s.path
	if s.path == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return errs.New("store/sqlite", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("open database"), errs.WithCause(err))
	}
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errs.New("store/sqlite", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("ping"), errs.WithCause(err))
	}
	if _, err := db.ExecContext(ctx, s.renderSQL(createTableSQL)); err != nil {
		_ = db.Close()
		return errs.New("store/sqlite", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("create table"), errs.WithCause(err))
	}

	s.db = db
	return nil
}

// Persist bulk-inserts the batch as flat rows inside one transaction. The
// session id stays a plain row column; no grouping happens here.
func (s *LogStore) Persist(ctx context.Context, batch []logstore.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	db, err := s.ensureDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New("store/sqlite", errs.CodeStorage,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("begin transaction"), errs.WithCause(err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.renderSQL(insertSQL))
	if err != nil {
		return errs.New("store/sqlite", errs.CodeStorage,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("prepare insert"), errs.WithCause(err))
	}
	defer stmt.Close()

	for _, entry := range batch {
		extra, err := encodeExtra(entry.Attrs)
		if err != nil {
			return err
		}
		var sessionID any
		if entry.SessionID != "" {
			sessionID = entry.SessionID
		}
		_, err = stmt.ExecContext(ctx,
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			entry.Level.String(),
			entry.Message,
			extra,
			sessionID,
		)
		if err != nil {
			return errs.New("store/sqlite", errs.CodeStorage,
				errs.WithBackend(string(logstore.BackendSQLite)),
				errs.WithMessage("insert row"), errs.WithCause(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New("store/sqlite", errs.CodeStorage,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("commit"), errs.WithCause(err))
	}
	return nil
}

// Close releases the database handle.
func (s *LogStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *LogStore) ensureDB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errs.New("store/sqlite", errs.CodeUnavailable,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("not connected"))
	}
	return s.db, nil
}

func (s *LogStore) renderSQL(template string) string {
	return strings.ReplaceAll(template, "%TABLE%", s.table)
}

func encodeExtra(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", errs.New("store/sqlite", errs.CodeSerialization,
			errs.WithBackend(string(logstore.BackendSQLite)),
			errs.WithMessage("encode attributes"), errs.WithCause(err))
	}
	return string(data), nil
}

func validateTable(name string) error {
	for i, r := range name {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return tableErr(name)
			}
		default:
			return tableErr(name)
		}
	}
	return nil
}

func tableErr(name string) error {
	return errs.New("store/sqlite", errs.CodeInvalid,
		errs.WithBackend(string(logstore.BackendSQLite)),
		errs.WithMessage("invalid table name: "+name))
}
