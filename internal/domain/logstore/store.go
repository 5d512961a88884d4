package logstore

import "context"

// Backend names a store variant. The set is closed: backend selection
// happens once at construction, never by branching on a tag in the flush
// path.
type Backend string

const (
	// BackendPostgres is the document-oriented adapter: one document per
	// session with an append-only JSONB log list.
	BackendPostgres Backend = "postgres"
	// BackendSQLite is the relational adapter: one flat row per entry.
	BackendSQLite Backend = "sqlite"
)

// Store is the narrow write contract the pipeline flushes batches through.
//
// Persist delivers a batch with at-least-once semantics: replaying the same
// batch appends entries again rather than deduplicating. Adapters decide
// internally whether to group by session or persist flat rows.
type Store interface {
	// Connect establishes (or re-establishes) the backing connection and
	// ensures any required schema exists. Safe to call repeatedly.
	Connect(ctx context.Context) error
	// Persist writes the batch. The caller retains ownership of the slice;
	// implementations must not hold references past return.
	Persist(ctx context.Context, batch []Entry) error
	// Close releases the backing connection.
	Close(ctx context.Context) error
	// Backend identifies the adapter variant for diagnostics and metrics.
	Backend() Backend
}
