package testutil

import (
	"path/filepath"
	"testing"

	"dup-go/internal/database"
)

// NewTestDatabase creates a migrated SQLite database in the test's temp
// directory. It is closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	return OpenTestDatabase(t, filepath.Join(t.TempDir(), "dup.sqlite"))
}

// OpenTestDatabase opens (creating if needed) the database at path.
func OpenTestDatabase(t *testing.T, path string) *database.SQLiteDatabase {
	t.Helper()
	db, err := database.NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
