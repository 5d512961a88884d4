// Package persistence selects and constructs the concrete log store backend.
package persistence

import (
	"fmt"

	"github.com/convolog/convolog/errs"
	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/infra/config"
	"github.com/convolog/convolog/internal/infra/persistence/postgres"
	"github.com/convolog/convolog/internal/infra/persistence/sqlite"
)

// NewStore builds the store named by cfg.Backend. Construction only
// validates inputs; the connection is established by Connect.
func NewStore(cfg config.StoreConfig) (logstore.Store, error) {
	switch logstore.Backend(cfg.Backend) {
	case logstore.BackendPostgres:
		return postgres.NewSessionStore(cfg.DSN, cfg.Collection)
	case logstore.BackendSQLite:
		return sqlite.NewLogStore(cfg.Path, cfg.Table)
	default:
		return nil, errs.New("store", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown backend %q", cfg.Backend)))
	}
}
