// Package sqlite is the embedded/single-node storage dialect and the
// default test backend: repositories backed by database/sql over
// mattn/go-sqlite3.
//
// SQLite has no row-level SKIP LOCKED. The dialect reaches the same
// at-most-one-claims-succeed guarantee a different way: every connection
// opens its claim transaction with BEGIN IMMEDIATE (via the driver's
// _txlock=immediate DSN parameter), which takes SQLite's write lock up
// front instead of at first write, and the pool is capped to a single
// open connection so concurrent claims from goroutines in one process
// serialize through Go's database/sql rather than racing at the SQLite
// level. A losing claim simply observes "no row" once it gets its turn,
// which the engine treats identically to PickContention.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

func Open(dataSourceName string) (*sql.DB, error) {
	dsn := dataSourceName
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
