// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"fleetwatch/internal/db"
	"fleetwatch/internal/migrate"
)

// Open returns a migrated SQLite database under t.TempDir.
func Open(t testing.TB) *db.DB {
	t.Helper()
	return OpenPath(t, filepath.Join(t.TempDir(), "fleetwatch.db"))
}

// OpenPath opens and migrates the SQLite database at path, closing it on cleanup.
func OpenPath(t testing.TB, path string) *db.DB {
	t.Helper()
	return OpenDSN(t, "sqlite:"+path)
}

// OpenDSN opens and migrates any supported DSN.
func OpenDSN(t testing.TB, dsn string) *db.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
