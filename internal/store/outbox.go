package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trellisdev/trellis/internal/task"
)

// enqueueTx appends an outbox entry inside the caller's transaction. The
// outbox is only ever written from within a graph store transaction, which
// is what keeps the graph and the queue consistent across crashes.
func enqueueTx(ctx context.Context, tx *sql.Tx, entity task.Entity, action task.Action, key1, key2 string) error {
	e := task.OutboxEntry{Entity: entity, Action: action, Key1: key1, Key2: key2}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid outbox entry: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO outbox (entity, action, key1, key2, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		string(entity), string(action), key1, key2,
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// PeekOutbox returns up to limit unconsumed entries, oldest first, without
// removing them. The push engine deletes each entry individually, strictly
// after the corresponding remote call succeeds. limit <= 0 returns all.
func (s *Store) PeekOutbox(ctx context.Context, limit int) ([]task.OutboxEntry, error) {
	query := `SELECT id, entity, action, key1, key2, created_at FROM outbox ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to peek outbox: %w", err)
	}
	defer rows.Close()

	var entries []task.OutboxEntry
	for rows.Next() {
		var e task.OutboxEntry
		var entity, action, createdAt string
		if err := rows.Scan(&e.ID, &entity, &action, &e.Key1, &e.Key2, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Entity = task.Entity(entity)
		e.Action = task.Action(action)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}

	return entries, nil
}

// ConsumeOutboxEntry removes one confirmed entry. Call only after the
// remote store reported success for it.
func (s *Store) ConsumeOutboxEntry(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to consume outbox entry %d: %w", id, err)
	}
	return nil
}

// OutboxCount returns the number of unconsumed entries.
func (s *Store) OutboxCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

// OutboxEntriesFor returns the unconsumed entries referencing the given sync
// identifier in either key, oldest first.
func (s *Store) OutboxEntriesFor(ctx context.Context, syncID string) ([]task.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, entity, action, key1, key2, created_at
	FROM outbox WHERE key1 = ? OR key2 = ?
	ORDER BY id ASC`, syncID, syncID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox for %s: %w", syncID, err)
	}
	defer rows.Close()

	var entries []task.OutboxEntry
	for rows.Next() {
		var e task.OutboxEntry
		var entity, action, createdAt string
		if err := rows.Scan(&e.ID, &entity, &action, &e.Key1, &e.Key2, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Entity = task.Entity(entity)
		e.Action = task.Action(action)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}

	return entries, nil
}
