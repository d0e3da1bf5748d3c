package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/jobkeeper/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp directory.
// A file is used rather than :memory: so pooled connections share one database,
// which the failure-isolation path depends on.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "jobkeeper_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CountRows returns the number of rows in table matching an optional WHERE clause.
func CountRows(t *testing.T, conn *sql.DB, table, where string, args ...any) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}
