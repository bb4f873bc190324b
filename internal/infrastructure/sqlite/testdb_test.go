package sqlite_test

import (
	"database/sql"
	"io/fs"
	"path/filepath"
	"sort"
	"testing"

	"github.com/opsbatch/scheduler/internal/infrastructure/sqlite"
)

// openTestDB opens a file-backed SQLite database under t.TempDir() and
// applies the same embedded migrations cmd/migrate runs against a real
// deployment, so repository tests exercise the actual schema (unique
// constraints, foreign keys) rather than a hand-trimmed stand-in.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "scheduler.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	applyMigrations(t, db)
	return db
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	entries, err := fs.ReadDir(sqlite.Migrations, "migrations")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, "migrations/"+e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := fs.ReadFile(sqlite.Migrations, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if _, err := db.Exec(string(contents)); err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
	}
}
