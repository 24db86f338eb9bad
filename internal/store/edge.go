package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trellisdev/trellis/internal/task"
)

// EdgeKey identifies an edge by the sync identifiers of its endpoints,
// together with its provenance. For listed-under edges A is the parent and
// B the child; for depends-on edges A is the dependent task and B the
// blocker.
type EdgeKey struct {
	A          string
	B          string
	Provenance task.SyncStatus
}

// relation describes one of the two edge tables. Both share the same
// mechanics; only the table and column names differ.
type relation struct {
	table   string
	fromCol string // parent_id / task_id
	toCol   string // child_id / blocker_id
	entity  task.Entity
	addKind task.EventKind
	rmKind  task.EventKind
}

var (
	listedUnder = relation{"edges", "parent_id", "child_id", task.EntityEdge, task.EventEdgeAdd, task.EventEdgeRemove}
	dependsOn   = relation{"deps", "task_id", "blocker_id", task.EntityDep, task.EventDepAdd, task.EventDepRemove}
)

// LinkEdge adds a listed-under edge (parent, child).
//
// Fails with ErrCycle if child is already reachable as an ancestor of
// parent; the reachability check runs inside the same transaction as the
// insert, before mutating, and a rejected call leaves the graph unchanged.
// The matching outbox entry is appended in the same transaction. Linking an
// edge that already exists is a no-op.
func (s *Store) LinkEdge(parentID, childID int64) error {
	return s.LinkEdgeContext(context.Background(), parentID, childID)
}

// LinkEdgeContext adds a listed-under edge with context support.
func (s *Store) LinkEdgeContext(ctx context.Context, parentID, childID int64) error {
	return s.addEdge(ctx, listedUnder, parentID, childID)
}

// UnlinkEdge removes a listed-under edge, appending the matching outbox
// entry in the same transaction. Removing an absent edge is a no-op.
func (s *Store) UnlinkEdge(ctx context.Context, parentID, childID int64) error {
	return s.removeEdge(ctx, listedUnder, parentID, childID)
}

// AddDependency adds a depends-on edge (task, blocker). The contract is
// identical to LinkEdge over the independent depends-on relation.
func (s *Store) AddDependency(taskID, blockerID int64) error {
	return s.AddDependencyContext(context.Background(), taskID, blockerID)
}

// AddDependencyContext adds a depends-on edge with context support.
func (s *Store) AddDependencyContext(ctx context.Context, taskID, blockerID int64) error {
	return s.addEdge(ctx, dependsOn, taskID, blockerID)
}

// RemoveDependency removes a depends-on edge, appending the matching outbox
// entry in the same transaction.
func (s *Store) RemoveDependency(ctx context.Context, taskID, blockerID int64) error {
	return s.removeEdge(ctx, dependsOn, taskID, blockerID)
}

func (s *Store) addEdge(ctx context.Context, r relation, fromID, toID int64) error {
	if fromID == toID {
		return fmt.Errorf("%s (%d, %d): %w", r.table, fromID, toID, ErrCycle)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fromSync, err := syncIDTx(ctx, tx, fromID)
	if err != nil {
		return err
	}
	toSync, err := syncIDTx(ctx, tx, toID)
	if err != nil {
		return err
	}

	// Adding from->to closes a cycle iff to already reaches from.
	cyclic, err := reachableTx(ctx, tx, r, toID, fromID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%s (%d, %d): %w", r.table, fromID, toID, ErrCycle)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
	INSERT OR IGNORE INTO %s (%s, %s, provenance) VALUES (?, ?, ?)`,
		r.table, r.fromCol, r.toCol),
		fromID, toID, string(task.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to insert %s edge: %w", r.table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check %s insert: %w", r.table, err)
	}
	if n == 0 {
		// Edge already present; nothing to push.
		return tx.Commit()
	}

	if err := enqueueTx(ctx, tx, r.entity, task.ActionAdd, fromSync, toSync); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s insert: %w", r.table, err)
	}

	s.notify([]task.Event{{Kind: r.addKind, SyncID: fromSync, PeerID: toSync}})
	return nil
}

func (s *Store) removeEdge(ctx context.Context, r relation, fromID, toID int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fromSync, err := syncIDTx(ctx, tx, fromID)
	if err != nil {
		return err
	}
	toSync, err := syncIDTx(ctx, tx, toID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
	DELETE FROM %s WHERE %s = ? AND %s = ?`, r.table, r.fromCol, r.toCol),
		fromID, toID)
	if err != nil {
		return fmt.Errorf("failed to delete %s edge: %w", r.table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check %s delete: %w", r.table, err)
	}
	if n == 0 {
		return tx.Commit()
	}

	if err := enqueueTx(ctx, tx, r.entity, task.ActionRemove, fromSync, toSync); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s delete: %w", r.table, err)
	}

	s.notify([]task.Event{{Kind: r.rmKind, SyncID: fromSync, PeerID: toSync}})
	return nil
}

// ApplyRemoteEdge reconciles a pulled listed-under edge into the local
// graph. See applyRemote for the contract.
func (s *Store) ApplyRemoteEdge(ctx context.Context, parentSync, childSync string) (bool, error) {
	return s.applyRemote(ctx, listedUnder, parentSync, childSync)
}

// ApplyRemoteDep reconciles a pulled depends-on edge into the local graph.
func (s *Store) ApplyRemoteDep(ctx context.Context, taskSync, blockerSync string) (bool, error) {
	return s.applyRemote(ctx, dependsOn, taskSync, blockerSync)
}

// applyRemote inserts an edge fetched from the remote snapshot.
//
// Acyclicity is re-validated against the local graph: a remote edge must
// never introduce a local cycle, however it arose remotely, so a
// cycle-inducing edge is dropped silently (false, nil). An edge whose
// endpoints are not both present locally is likewise skipped; the next pass
// re-derives it. An edge already present has its provenance confirmed as
// synced. Inserted edges carry synced provenance and no outbox entry.
func (s *Store) applyRemote(ctx context.Context, r relation, fromSync, toSync string) (bool, error) {
	if fromSync == toSync {
		return false, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fromID, ok, err := localIDTx(ctx, tx, fromSync)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	toID, ok, err := localIDTx(ctx, tx, toSync)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var exists bool
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
	SELECT EXISTS(SELECT 1 FROM %s WHERE %s = ? AND %s = ?)`,
		r.table, r.fromCol, r.toCol), fromID, toID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s edge: %w", r.table, err)
	}
	if exists {
		// Present remotely and locally: confirm provenance.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET provenance = ? WHERE %s = ? AND %s = ?`,
			r.table, r.fromCol, r.toCol),
			string(task.StatusSynced), fromID, toID); err != nil {
			return false, fmt.Errorf("failed to confirm %s edge: %w", r.table, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit %s confirm: %w", r.table, err)
		}
		return false, nil
	}

	cyclic, err := reachableTx(ctx, tx, r, toID, fromID)
	if err != nil {
		return false, err
	}
	if cyclic {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (%s, %s, provenance) VALUES (?, ?, ?)`,
		r.table, r.fromCol, r.toCol),
		fromID, toID, string(task.StatusSynced)); err != nil {
		return false, fmt.Errorf("failed to insert remote %s edge: %w", r.table, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit remote %s insert: %w", r.table, err)
	}

	s.notify([]task.Event{{Kind: r.addKind, SyncID: fromSync, PeerID: toSync}})
	return true, nil
}

// RemoveSyncedEdge deletes a local listed-under edge, but only if its
// provenance is synced. Locally pending edges (awaiting their first push)
// are never touched. Returns whether an edge was removed.
func (s *Store) RemoveSyncedEdge(ctx context.Context, parentSync, childSync string) (bool, error) {
	return s.removeSynced(ctx, listedUnder, parentSync, childSync)
}

// RemoveSyncedDep deletes a local depends-on edge with the same contract as
// RemoveSyncedEdge.
func (s *Store) RemoveSyncedDep(ctx context.Context, taskSync, blockerSync string) (bool, error) {
	return s.removeSynced(ctx, dependsOn, taskSync, blockerSync)
}

func (s *Store) removeSynced(ctx context.Context, r relation, fromSync, toSync string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, fmt.Sprintf(`
	DELETE FROM %s
	WHERE provenance = ?
	  AND %s = (SELECT id FROM tasks WHERE sync_id = ?)
	  AND %s = (SELECT id FROM tasks WHERE sync_id = ?)`,
		r.table, r.fromCol, r.toCol),
		string(task.StatusSynced), fromSync, toSync)
	if err != nil {
		return false, fmt.Errorf("failed to delete synced %s edge: %w", r.table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check synced %s delete: %w", r.table, err)
	}
	if n == 0 {
		return false, nil
	}

	s.notify([]task.Event{{Kind: r.rmKind, SyncID: fromSync, PeerID: toSync}})
	return true, nil
}

// MarkEdgeSynced confirms a pushed listed-under edge, flipping its
// provenance to synced.
func (s *Store) MarkEdgeSynced(ctx context.Context, parentSync, childSync string) error {
	return s.markSynced(ctx, listedUnder, parentSync, childSync)
}

// MarkDepSynced confirms a pushed depends-on edge.
func (s *Store) MarkDepSynced(ctx context.Context, taskSync, blockerSync string) error {
	return s.markSynced(ctx, dependsOn, taskSync, blockerSync)
}

func (s *Store) markSynced(ctx context.Context, r relation, fromSync, toSync string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(`
	UPDATE %s SET provenance = ?
	WHERE %s = (SELECT id FROM tasks WHERE sync_id = ?)
	  AND %s = (SELECT id FROM tasks WHERE sync_id = ?)`,
		r.table, r.fromCol, r.toCol),
		string(task.StatusSynced), fromSync, toSync)
	if err != nil {
		return fmt.Errorf("failed to mark %s edge synced: %w", r.table, err)
	}
	return nil
}

// ListEdgeKeys returns every listed-under edge as a sync-id pair with its
// provenance. The pull engine diffs this against the remote snapshot.
func (s *Store) ListEdgeKeys(ctx context.Context) ([]EdgeKey, error) {
	return s.listKeys(ctx, listedUnder)
}

// ListDepKeys returns every depends-on edge as a sync-id pair with its
// provenance.
func (s *Store) ListDepKeys(ctx context.Context) ([]EdgeKey, error) {
	return s.listKeys(ctx, dependsOn)
}

func (s *Store) listKeys(ctx context.Context, r relation) ([]EdgeKey, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`
	SELECT a.sync_id, b.sync_id, e.provenance
	FROM %s e
	JOIN tasks a ON a.id = e.%s
	JOIN tasks b ON b.id = e.%s
	ORDER BY a.sync_id, b.sync_id`, r.table, r.fromCol, r.toCol))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s edges: %w", r.table, err)
	}
	defer rows.Close()

	var keys []EdgeKey
	for rows.Next() {
		var k EdgeKey
		var prov string
		if err := rows.Scan(&k.A, &k.B, &prov); err != nil {
			return nil, fmt.Errorf("failed to scan %s edge: %w", r.table, err)
		}
		k.Provenance = task.SyncStatus(prov)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s edges: %w", r.table, err)
	}

	return keys, nil
}

// EdgeCount returns the number of listed-under edges.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

// reachableTx reports whether toID is reachable from fromID following the
// relation's edges. Runs inside the caller's transaction so the check and
// the subsequent insert see the same graph.
func reachableTx(ctx context.Context, tx *sql.Tx, r relation, fromID, toID int64) (bool, error) {
	query := fmt.Sprintf(`
	WITH RECURSIVE reach(id) AS (
		SELECT %[3]s FROM %[1]s WHERE %[2]s = ?
		UNION
		SELECT e.%[3]s FROM %[1]s e JOIN reach r ON e.%[2]s = r.id
	)
	SELECT EXISTS(SELECT 1 FROM reach WHERE id = ?)`,
		r.table, r.fromCol, r.toCol)

	var found bool
	if err := tx.QueryRowContext(ctx, query, fromID, toID).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to compute %s reachability: %w", r.table, err)
	}
	return found, nil
}

// syncIDTx resolves a local id to its sync id inside a transaction.
func syncIDTx(ctx context.Context, tx *sql.Tx, localID int64) (string, error) {
	var syncID string
	err := tx.QueryRowContext(ctx, `SELECT sync_id FROM tasks WHERE id = ?`, localID).Scan(&syncID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve task %d: %w", localID, err)
	}
	return syncID, nil
}

// localIDTx resolves a sync id to its local id inside a transaction.
// Returns ok=false when the task is unknown locally.
func localIDTx(ctx context.Context, tx *sql.Tx, syncID string) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE sync_id = ?`, syncID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve sync id %s: %w", syncID, err)
	}
	return id, true, nil
}

// edgeKeyPair is a transient sync-id pair used while capturing cascade
// deletions.
type edgeKeyPair struct {
	a, b string
}

// edgeKeysTouching returns the sync-id pairs of every edge in table that has
// localID as either endpoint. Used by DeleteTask to enqueue removals for
// edges about to be cascaded away.
func edgeKeysTouching(ctx context.Context, tx *sql.Tx, table, fromCol, toCol string, localID int64) ([]edgeKeyPair, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
	SELECT a.sync_id, b.sync_id
	FROM %s e
	JOIN tasks a ON a.id = e.%s
	JOIN tasks b ON b.id = e.%s
	WHERE e.%s = ? OR e.%s = ?`, table, fromCol, toCol, fromCol, toCol),
		localID, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s edges for task %d: %w", table, localID, err)
	}
	defer rows.Close()

	var keys []edgeKeyPair
	for rows.Next() {
		var k edgeKeyPair
		if err := rows.Scan(&k.a, &k.b); err != nil {
			return nil, fmt.Errorf("failed to scan %s edge: %w", table, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s edges: %w", table, err)
	}

	return keys, nil
}
