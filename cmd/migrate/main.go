// migrate applies the embedded schema migrations for the configured
// storage dialect, in filename order, against the same DATABASE_URL the
// daemon uses.
//
// Run: go run ./cmd/migrate
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"

	"github.com/opsbatch/scheduler/internal/infrastructure/postgres"
	"github.com/opsbatch/scheduler/internal/infrastructure/sqlite"
)

// driverEnv/urlEnv deliberately bypass config.Load: applying a migration
// only ever needs a driver and a connection string, not the admin
// surface's session/notification credentials the full daemon config
// requires.
const (
	driverEnv = "SCHEDULER_DB_DRIVER"
	urlEnv    = "DATABASE_URL"
)

func main() {
	driver := os.Getenv(driverEnv)
	if driver == "" {
		driver = "postgres"
	}
	databaseURL := os.Getenv(urlEnv)
	if databaseURL == "" {
		log.Fatalf("%s is not set", urlEnv)
	}

	ctx := context.Background()

	switch driver {
	case "sqlite":
		if err := migrateSQLite(databaseURL); err != nil {
			log.Fatalf("migrate sqlite: %v", err)
		}
	default:
		if err := migratePostgres(ctx, databaseURL); err != nil {
			log.Fatalf("migrate postgres: %v", err)
		}
	}

	fmt.Println("migrations applied")
}

func migratePostgres(ctx context.Context, databaseURL string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	files, err := sortedSQLFiles(postgres.Migrations)
	if err != nil {
		return err
	}
	for _, name := range files {
		contents, err := fs.ReadFile(postgres.Migrations, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		log.Printf("applying %s", name)
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func migrateSQLite(dataSourceName string) error {
	db, err := sqlite.Open(dataSourceName)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	files, err := sortedSQLFiles(sqlite.Migrations)
	if err != nil {
		return err
	}
	for _, name := range files {
		contents, err := fs.ReadFile(sqlite.Migrations, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		log.Printf("applying %s", name)
		if err := execSQLiteScript(db, string(contents)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// execSQLiteScript runs a migration file as a single Exec call. The
// mattn/go-sqlite3 driver accepts multiple ';'-separated statements in
// one Exec, as pgx does for an argument-less Exec in migratePostgres, so
// no statement splitting is needed here either.
func execSQLiteScript(db *sql.DB, script string) error {
	_, err := db.Exec(script)
	return err
}

func sortedSQLFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, "migrations/"+e.Name())
	}
	sort.Strings(names)
	return names, nil
}
