package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trellisdev/trellis/internal/task"
)

const taskColumns = `id, sync_id, name, created_at, completed_at, started_at,
	skipped_at, last_worked_at, priority, quick, sync_status, updated_at`

// CreateTask inserts a new task row.
//
// A missing sync id is assigned here and never changed afterwards. The row
// enters with sync status pending and a fresh update timestamp, so the next
// push cycle picks it up in the pending batch. No outbox entry is written:
// pending task rows are pushed as a batch, independent of the outbox.
func (s *Store) CreateTask(t *task.Task) error {
	return s.CreateTaskContext(context.Background(), t)
}

// CreateTaskContext inserts a new task with context support.
func (s *Store) CreateTaskContext(ctx context.Context, t *task.Task) error {
	if t.SyncID == "" {
		t.SyncID = task.NewSyncID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Touch()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO tasks (
		sync_id, name, created_at, completed_at, started_at,
		skipped_at, last_worked_at, priority, quick, sync_status, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SyncID,
		t.Name,
		t.CreatedAt.Format(time.RFC3339Nano),
		timeToNullString(t.CompletedAt),
		timeToNullString(t.StartedAt),
		timeToNullString(t.SkippedAt),
		timeToNullString(t.LastWorkedAt),
		boolToInt(t.Priority),
		boolToInt(t.Quick),
		string(t.SyncStatus),
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task rowid: %w", err)
	}
	t.LocalID = id

	s.notify([]task.Event{{Kind: task.EventTaskUpsert, SyncID: t.SyncID}})
	return nil
}

// UpdateTask persists a state-changing mutation of an existing task.
//
// The update timestamp is refreshed and the row re-enters pending status in
// the same statement, so a mutation can never be observed without its
// pending flag.
func (s *Store) UpdateTask(t *task.Task) error {
	return s.UpdateTaskContext(context.Background(), t)
}

// UpdateTaskContext persists a task mutation with context support.
func (s *Store) UpdateTaskContext(ctx context.Context, t *task.Task) error {
	t.Touch()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE tasks SET
		name = ?,
		completed_at = ?,
		started_at = ?,
		skipped_at = ?,
		last_worked_at = ?,
		priority = ?,
		quick = ?,
		sync_status = ?,
		updated_at = ?
	WHERE id = ?`,
		t.Name,
		timeToNullString(t.CompletedAt),
		timeToNullString(t.StartedAt),
		timeToNullString(t.SkippedAt),
		timeToNullString(t.LastWorkedAt),
		boolToInt(t.Priority),
		boolToInt(t.Quick),
		string(t.SyncStatus),
		t.UpdatedAt,
		t.LocalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.LocalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of task %d: %w", t.LocalID, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %d: %w", t.LocalID, ErrNotFound)
	}

	s.notify([]task.Event{{Kind: task.EventTaskUpsert, SyncID: t.SyncID}})
	return nil
}

// GetTask retrieves a task by local id.
func (s *Store) GetTask(localID int64) (*task.Task, error) {
	return s.GetTaskContext(context.Background(), localID)
}

// GetTaskContext retrieves a task by local id with context support.
func (s *Store) GetTaskContext(ctx context.Context, localID int64) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, localID)
	return scanTaskRow(row)
}

// GetTaskBySyncID retrieves a task by its global sync identifier.
func (s *Store) GetTaskBySyncID(ctx context.Context, syncID string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE sync_id = ?`, syncID)
	return scanTaskRow(row)
}

// DeleteTask hard-deletes a task row.
//
// In one transaction this removes the row (edges in both relations cascade)
// and appends outbox remove entries for the task document and for every
// cascaded edge, so the deletion propagates to the remote store even though
// the local rows are already gone.
func (s *Store) DeleteTask(localID int64) error {
	return s.DeleteTaskContext(context.Background(), localID)
}

// DeleteTaskContext hard-deletes a task with context support.
func (s *Store) DeleteTaskContext(ctx context.Context, localID int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var syncID string
	err = tx.QueryRowContext(ctx, `SELECT sync_id FROM tasks WHERE id = ?`, localID).Scan(&syncID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete task %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", localID, err)
	}

	events := []task.Event{{Kind: task.EventTaskDelete, SyncID: syncID}}

	// Cascaded edges still need remote removal; capture their keys before
	// the row delete wipes them.
	edgeKeys, err := edgeKeysTouching(ctx, tx, "edges", "parent_id", "child_id", localID)
	if err != nil {
		return err
	}
	for _, k := range edgeKeys {
		if err := enqueueTx(ctx, tx, task.EntityEdge, task.ActionRemove, k.a, k.b); err != nil {
			return err
		}
		events = append(events, task.Event{Kind: task.EventEdgeRemove, SyncID: k.a, PeerID: k.b})
	}

	depKeys, err := edgeKeysTouching(ctx, tx, "deps", "task_id", "blocker_id", localID)
	if err != nil {
		return err
	}
	for _, k := range depKeys {
		if err := enqueueTx(ctx, tx, task.EntityDep, task.ActionRemove, k.a, k.b); err != nil {
			return err
		}
		events = append(events, task.Event{Kind: task.EventDepRemove, SyncID: k.a, PeerID: k.b})
	}

	if err := enqueueTx(ctx, tx, task.EntityTask, task.ActionRemove, syncID, ""); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task delete: %w", err)
	}

	s.notify(events)
	return nil
}

// RestoreTask re-inserts a previously deleted task.
//
// In one transaction this re-creates the row with its original sync id and
// cancels any still-pending outbox remove entries referencing that sync id,
// then resets sync status to pending. Both halves are required: without the
// cancellation the next push deletes the task and its edges remotely;
// without the pending reset it is never re-pushed.
func (s *Store) RestoreTask(t *task.Task) error {
	return s.RestoreTaskContext(context.Background(), t)
}

// RestoreTaskContext restores a deleted task with context support.
func (s *Store) RestoreTaskContext(ctx context.Context, t *task.Task) error {
	if t.SyncID == "" {
		return fmt.Errorf("restore task: sync id is required")
	}
	t.Touch()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Cancel every queued removal touching this sync id, edge and dep
	// removals included. The remote copies of those edges survive, and the
	// next pull re-derives them into the local graph.
	if _, err := tx.ExecContext(ctx, `
	DELETE FROM outbox
	WHERE action = ? AND (key1 = ? OR key2 = ?)`,
		string(task.ActionRemove), t.SyncID, t.SyncID,
	); err != nil {
		return fmt.Errorf("failed to cancel pending removals for %s: %w", t.SyncID, err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO tasks (
		sync_id, name, created_at, completed_at, started_at,
		skipped_at, last_worked_at, priority, quick, sync_status, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SyncID,
		t.Name,
		t.CreatedAt.Format(time.RFC3339Nano),
		timeToNullString(t.CompletedAt),
		timeToNullString(t.StartedAt),
		timeToNullString(t.SkippedAt),
		timeToNullString(t.LastWorkedAt),
		boolToInt(t.Priority),
		boolToInt(t.Quick),
		string(task.StatusPending),
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to restore task %s: %w", t.SyncID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get restored task rowid: %w", err)
	}
	t.LocalID = id

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task restore: %w", err)
	}

	s.notify([]task.Event{{Kind: task.EventTaskUpsert, SyncID: t.SyncID}})
	return nil
}

// PendingTasks returns all rows flagged pending, oldest mutation first.
// The push engine sends these as a batch, independent of the outbox.
func (s *Store) PendingTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE sync_status = ?
	ORDER BY updated_at ASC`, string(task.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// MarkTaskSynced flips a row to synced, but only if its update timestamp
// still matches the pushed copy. A row mutated while the push was in flight
// keeps its pending status and is re-pushed next cycle.
func (s *Store) MarkTaskSynced(ctx context.Context, syncID string, updatedAt int64) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE tasks SET sync_status = ?
	WHERE sync_id = ? AND updated_at = ?`,
		string(task.StatusSynced), syncID, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark task %s synced: %w", syncID, err)
	}
	return nil
}

// MarkAllPending flags every task row pending. Used once per identity to
// seed the remote store on the first sync.
func (s *Store) MarkAllPending(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `
	UPDATE tasks SET sync_status = ?`, string(task.StatusPending)); err != nil {
		return fmt.Errorf("failed to mark tasks pending: %w", err)
	}
	return nil
}

// ApplyRemoteTask reconciles a pulled remote copy with last-write-wins.
//
// A remote copy strictly newer than the local row (by update timestamp)
// replaces the local fields and marks the row synced. An equal-or-older copy
// is ignored, leaving any local pending status intact. A task unknown
// locally is inserted as synced. Returns whether the local row changed.
func (s *Store) ApplyRemoteTask(ctx context.Context, remote *task.Task) (bool, error) {
	if err := remote.Validate(); err != nil {
		return false, fmt.Errorf("invalid remote task: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO tasks (
		sync_id, name, created_at, completed_at, started_at,
		skipped_at, last_worked_at, priority, quick, sync_status, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sync_id) DO UPDATE SET
		name = excluded.name,
		completed_at = excluded.completed_at,
		started_at = excluded.started_at,
		skipped_at = excluded.skipped_at,
		last_worked_at = excluded.last_worked_at,
		priority = excluded.priority,
		quick = excluded.quick,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at > tasks.updated_at`,
		remote.SyncID,
		remote.Name,
		remote.CreatedAt.Format(time.RFC3339Nano),
		timeToNullString(remote.CompletedAt),
		timeToNullString(remote.StartedAt),
		timeToNullString(remote.SkippedAt),
		timeToNullString(remote.LastWorkedAt),
		boolToInt(remote.Priority),
		boolToInt(remote.Quick),
		string(task.StatusSynced),
		remote.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote task %s: %w", remote.SyncID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check remote task apply: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.notify([]task.Event{{Kind: task.EventTaskUpsert, SyncID: remote.SyncID}})
	return true, nil
}

// TaskCount returns the number of task rows.
func (s *Store) TaskCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// scanTaskRow scans a single task from a QueryRow result.
func scanTaskRow(row *sql.Row) (*task.Task, error) {
	t, err := scanTaskFields(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// scanTasks scans all tasks from a multi-row result.
func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTaskFields(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTaskFields(scan func(...any) error) (*task.Task, error) {
	var t task.Task
	var createdAt, status string
	var completed, started, skipped, worked sql.NullString
	var priority, quick int

	err := scan(
		&t.LocalID,
		&t.SyncID,
		&t.Name,
		&createdAt,
		&completed,
		&started,
		&skipped,
		&worked,
		&priority,
		&quick,
		&status,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	t.CompletedAt = nullStringToTime(completed)
	t.StartedAt = nullStringToTime(started)
	t.SkippedAt = nullStringToTime(skipped)
	t.LastWorkedAt = nullStringToTime(worked)
	t.Priority = priority != 0
	t.Quick = quick != 0
	t.SyncStatus = task.SyncStatus(status)

	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
