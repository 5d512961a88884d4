// Package dbmigrations exposes embedded SQL migrations for convolog binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into convolog binaries.
//
//go:embed *.sql
var Files embed.FS
