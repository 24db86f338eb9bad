// Package store implements the trellis graph store: task rows, the two edge
// relations, the outbox queue, and per-identity sync state, all in a single
// local SQLite database.
//
// The database runs in embedded mode with WAL so readers can proceed while a
// sync pass is writing. Every structural mutation (edge add/remove, task
// delete/restore) executes inside one transaction that also appends the
// matching outbox entries, so the graph and the outbox are never observably
// inconsistent, even across abrupt termination.
//
// Acyclicity of both relations is enforced with recursive-CTE reachability
// checks computed before mutating, inside the same transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trellisdev/trellis/internal/task"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrCycle is returned when adding an edge would close a cycle in its
// relation. The graph is left unchanged; the caller should treat this as an
// ordinary failure, never retry it.
var ErrCycle = errors.New("structural violation: edge would create a cycle")

// ErrNotFound is returned when a task referenced by the caller does not
// exist locally.
var ErrNotFound = errors.New("task not found")

// Observer receives change events after the enclosing transaction commits.
type Observer func(task.Event)

// Store wraps the SQLite connection with graph, outbox, and sync-state
// operations.
type Store struct {
	conn     *sql.DB
	path     string
	observer Observer
}

// Open creates (or opens) the database at path and prepares it for use.
//
// WAL mode is enabled for concurrent reads, the busy timeout is set to five
// seconds, and foreign keys are enforced. The caller must Close the store
// when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dir, "trellis.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// SetObserver registers a callback invoked after each committed mutation.
// Pass nil to disable. Not safe to call while mutations are in flight.
func (s *Store) SetObserver(fn Observer) {
	s.observer = fn
}

// notify delivers events to the observer, if any. Called strictly after the
// transaction that produced them committed.
func (s *Store) notify(events []task.Event) {
	if s.observer == nil {
		return
	}
	for _, ev := range events {
		s.observer(ev)
	}
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they do not exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		started_at TEXT,
		skipped_at TEXT,
		last_worked_at TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		quick INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		updated_at INTEGER NOT NULL
	);

	-- listed-under: child appears under parent; multi-parent DAG
	CREATE TABLE IF NOT EXISTS edges (
		parent_id INTEGER NOT NULL,
		child_id INTEGER NOT NULL,
		provenance TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (parent_id, child_id),
		FOREIGN KEY (parent_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (child_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- depends-on: task is blocked until blocker completes; independent
	-- acyclicity domain from edges
	CREATE TABLE IF NOT EXISTS deps (
		task_id INTEGER NOT NULL,
		blocker_id INTEGER NOT NULL,
		provenance TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (task_id, blocker_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (blocker_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- durable log of unconfirmed remote operations
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity TEXT NOT NULL,
		action TEXT NOT NULL,
		key1 TEXT NOT NULL,
		key2 TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- per-identity checkpoint and one-time migration flag
	CREATE TABLE IF NOT EXISTS sync_state (
		identity TEXT PRIMARY KEY,
		checkpoint INTEGER NOT NULL DEFAULT 0,
		migrated INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE INDEX IF NOT EXISTS idx_edges_child ON edges(child_id);
	CREATE INDEX IF NOT EXISTS idx_deps_blocker ON deps(blocker_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_keys ON outbox(entity, action, key1);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
