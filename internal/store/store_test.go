package store_test

import (
	"bytes"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/udml/gateway/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndNormalSync(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite NORMAL == 1.
	if synchronous != 1 {
		t.Fatalf("expected synchronous NORMAL(1), got %d", synchronous)
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	for _, table := range []string{"message_turns", "message_outbox", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestOpen_SingletonPerStateDir(t *testing.T) {
	dir := t.TempDir()
	a, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if a != b {
		t.Fatal("expected Open to return the cached Store for the same state dir")
	}
}

func TestOpen_IdempotentSchemaInit(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening the same directory after close must not fail even though
	// the schema_migrations row already exists on disk.
	s2, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
}

func TestOpen_FallsBackToInMemoryAndWarns(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocking file: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s, err := store.Open(blocked, nil, logger)
	if err != nil {
		t.Fatalf("expected in-memory fallback instead of an error: %v", err)
	}
	defer s.Close()

	if !strings.Contains(buf.String(), "falling back to in-memory store") {
		t.Fatalf("expected a fallback warning to be logged, got %q", buf.String())
	}
}
