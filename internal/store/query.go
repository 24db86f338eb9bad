package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/trellisdev/trellis/internal/task"
)

// Read-only queries consumed by selection heuristics and the CLI. None of
// these mutate; they may run concurrently with a sync pass thanks to WAL.

// ListTasks returns every task, priority tasks first, then oldest creation
// first.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+taskColumns+` FROM tasks
	ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// RootTasks returns tasks with no parent in the listed-under relation,
// priority tasks first, then oldest creation first.
func (s *Store) RootTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE id NOT IN (SELECT child_id FROM edges)
	ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query root tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// LeafTasks returns tasks with no children in the listed-under relation,
// priority tasks first, then oldest creation first.
func (s *Store) LeafTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE id NOT IN (SELECT parent_id FROM edges)
	ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaf tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ChildrenOf returns the tasks listed directly under the given parent,
// priority tasks first, then oldest creation first.
func (s *Store) ChildrenOf(ctx context.Context, parentID int64) ([]*task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE id IN (SELECT child_id FROM edges WHERE parent_id = ?)
	ORDER BY priority DESC, created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children of %d: %w", parentID, err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// BlockedTaskIDs returns the subset of ids that are blocked: tasks with at
// least one depends-on blocker that has not completed.
func (s *Store) BlockedTaskIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	blocked := make(map[int64]bool)
	if len(ids) == 0 {
		return blocked, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`
	SELECT DISTINCT d.task_id
	FROM deps d
	JOIN tasks b ON b.id = d.blocker_id
	WHERE d.task_id IN (%s) AND b.completed_at IS NULL`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blocked id: %w", err)
		}
		blocked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked ids: %w", err)
	}

	return blocked, nil
}
