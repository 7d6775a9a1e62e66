// Package store implements the durable relational backing for the message
// lifecycle: the turn journal and the outbox journal, both held in a single
// embedded SQLite database per state directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/udml/gateway/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "udml-v1-message-lifecycle"

	dbFileName = "message-lifecycle.db"
)

// Store wraps the single SQLite connection backing the turn and outbox
// journals for one state directory.
type Store struct {
	db   *sql.DB
	bus  *bus.Bus
	path string

	fallbackOnce  sync.Once
	fallbackCache *dedupeFallback
}

var (
	openMu     sync.Mutex
	openStores = make(map[string]*Store)
)

// Open returns the Store for stateDir, opening it on first use and caching
// the handle so repeated calls for the same resolved path share one
// connection. If the configured path cannot be opened (e.g. read-only
// filesystem), falls back to an in-memory database keyed by the same path:
// reads and writes still succeed, but nothing survives a restart. log may
// be nil, in which case the default slog logger is used to emit the
// fallback warning.
func Open(stateDir string, eventBus *bus.Bus, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	resolved, err := filepath.Abs(stateDir)
	if err != nil {
		resolved = stateDir
	}

	openMu.Lock()
	defer openMu.Unlock()
	if s, ok := openStores[resolved]; ok {
		return s, nil
	}

	s, err := openAt(resolved, eventBus, log)
	if err != nil {
		return nil, err
	}
	openStores[resolved] = s
	return s, nil
}

func openAt(resolved string, eventBus *bus.Bus, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return openInMemory(resolved, eventBus, log, fmt.Errorf("create state dir: %w", err))
	}

	dbPath := filepath.Join(resolved, dbFileName)
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return openInMemory(resolved, eventBus, log, fmt.Errorf("open sqlite3: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus, path: resolved}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return openInMemory(resolved, eventBus, log, err)
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return openInMemory(resolved, eventBus, log, err)
	}
	return s, nil
}

func openInMemory(resolved string, eventBus *bus.Bus, log *slog.Logger, cause error) (*Store, error) {
	log.Warn("falling back to in-memory store, state will not survive a restart",
		"state_dir", resolved, "error", cause)

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("fallback in-memory store after %v: %w", cause, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus, path: resolved}
	if err := s.configurePragmas(context.Background()); err != nil {
		return nil, fmt.Errorf("configure in-memory pragmas after %v: %w", cause, err)
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init in-memory schema after %v: %w", cause, err)
	}
	return s, nil
}

// DB exposes the underlying connection for callers that need raw access
// (migrations tooling, diagnostics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection and drops the cache entry.
func (s *Store) Close() error {
	openMu.Lock()
	delete(openStores, s.path)
	openMu.Unlock()
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff bounded by maxDelay and ±25% jitter. maxRetries=5 layers on top of
// the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs fn inside an immediate write transaction, retrying on
// transient SQLITE_BUSY/LOCKED, and rolling back on any other error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS message_turns (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			dedupe_key TEXT,
			session_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			route_channel TEXT NOT NULL DEFAULT '',
			route_to TEXT NOT NULL DEFAULT '',
			route_account_id TEXT NOT NULL DEFAULT '',
			route_thread_id TEXT NOT NULL DEFAULT '',
			route_reply_to_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			accepted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			terminal_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS message_outbox (
			id TEXT PRIMARY KEY,
			turn_id TEXT,
			channel TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT,
			queued_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			last_error TEXT,
			error_class TEXT,
			terminal_reason TEXT,
			delivered_at INTEGER,
			completed_at INTEGER
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_turns_dedupe_key
			ON message_turns(dedupe_key) WHERE dedupe_key IS NOT NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_outbox_idempotency_key
			ON message_outbox(idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_message_turns_resume
			ON message_turns(status, next_attempt_at, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_message_turns_session
			ON message_turns(session_key, status);`,
		`CREATE INDEX IF NOT EXISTS idx_message_outbox_resume
			ON message_outbox(status, next_attempt_at, queued_at);`,
		`CREATE INDEX IF NOT EXISTS idx_message_outbox_turn
			ON message_outbox(turn_id, status);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// nowMillis returns the caller-supplied clock reading in epoch milliseconds.
// Callers thread an explicit time.Time through rather than calling time.Now
// here, keeping persistence logic deterministic under test.
func nowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
