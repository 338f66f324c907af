package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// OpenTest opens a fresh database under t.TempDir and closes it when the
// test ends. Other packages use it to build their stores in tests.
func OpenTest(t testing.TB) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Path:   filepath.Join(t.TempDir(), "bitpart.db"),
		Key:    "test-key",
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
