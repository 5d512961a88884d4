// Package postgres implements the document-oriented store adapter: one row
// per session carrying an append-only JSONB log list.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convolog/convolog/errs"
	"github.com/convolog/convolog/internal/domain/logstore"
)

// DefaultCollection is the session document table used when none is configured.
const DefaultCollection = "session_logs"

const (
	createCollectionSQL = `
CREATE TABLE IF NOT EXISTS %s (
    session_id TEXT PRIMARY KEY,
    logs JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

	// Insert-or-append semantics: new sessions get created_at stamped once,
	// existing sessions get the batch appended to their log list. Replaying
	// a batch appends it again; delivery is at-least-once by design.
	appendUpsertSQL = `
INSERT INTO %s AS t (session_id, logs, created_at)
VALUES (@session_id, @logs::jsonb, NOW())
ON CONFLICT (session_id) DO UPDATE SET logs = t.logs || EXCLUDED.logs;
`
)

// SessionStore persists grouped conversation logs in PostgreSQL.
type SessionStore struct {
	uri        string
	collection string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewSessionStore constructs the adapter for the given connection URI and
// session document table. An empty collection uses DefaultCollection.
func NewSessionStore(uri, collection string) (*SessionStore, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = DefaultCollection
	}
	if err := validateIdentifier(collection); err != nil {
		return nil, err
	}
	if strings.TrimSpace(uri) == "" {
		return nil, errs.New("store/postgres", errs.CodeInvalid,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("connection uri required"))
	}
	return &SessionStore{uri: uri, collection: collection}, nil
}

// Backend identifies the adapter variant.
func (s *SessionStore) Backend() logstore.Backend { return logstore.BackendPostgres }

// Connect (re)establishes the pool and ensures the session table exists.
// An existing pool is closed first so a reopen always dials fresh.
func (s *SessionStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}

	pool, err := pgxpool.New(ctx, s.uri)
	if err != nil {
		return errs.New("store/postgres", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("create pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errs.New("store/postgres", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("ping"), errs.WithCause(err))
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(createCollectionSQL, s.collection)); err != nil {
		pool.Close()
		return errs.New("store/postgres", errs.CodeConnection,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("ensure collection"), errs.WithCause(err))
	}

	s.pool = pool
	return nil
}

// Persist groups the batch by session id and issues one append-upsert per
// session. Entries without a session id land under the reserved bucket.
func (s *SessionStore) Persist(ctx context.Context, batch []logstore.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf(appendUpsertSQL, s.collection)
	for sessionID, entries := range logstore.GroupBySession(batch) {
		logs, err := encodeLogs(entries)
		if err != nil {
			return err
		}
		args := pgx.NamedArgs{
			"session_id": sessionID,
			"logs":       logs,
		}
		if _, err := pool.Exec(ctx, upsert, args); err != nil {
			return errs.New("store/postgres", errs.CodeStorage,
				errs.WithBackend(string(logstore.BackendPostgres)),
				errs.WithMessage("append session logs"), errs.WithCause(err))
		}
	}
	return nil
}

// Close releases the pool.
func (s *SessionStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *SessionStore) ensurePool() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("not connected"))
	}
	return s.pool, nil
}

func encodeLogs(entries []logstore.Entry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", errs.New("store/postgres", errs.CodeSerialization,
			errs.WithBackend(string(logstore.BackendPostgres)),
			errs.WithMessage("encode log list"), errs.WithCause(err))
	}
	return string(data), nil
}

func validateIdentifier(name string) error {
	for i, r := range name {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return identifierErr(name)
			}
		default:
			return identifierErr(name)
		}
	}
	return nil
}

func identifierErr(name string) error {
	return errs.New("store/postgres", errs.CodeInvalid,
		errs.WithBackend(string(logstore.BackendPostgres)),
		errs.WithMessage("invalid collection name: "+name))
}
