package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sync state persisted per signed-in identity: the checkpoint (unix
// milliseconds of the last fully successful pull) and the one-time initial
// migration flag.

// Checkpoint returns the pull checkpoint for an identity, or zero if no
// pull has completed yet.
func (s *Store) Checkpoint(ctx context.Context, identity string) (int64, error) {
	var cp int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT checkpoint FROM sync_state WHERE identity = ?`, identity).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint for %s: %w", identity, err)
	}
	return cp, nil
}

// SetCheckpoint advances the pull checkpoint. Called only after a pull pass
// completed every step without error.
func (s *Store) SetCheckpoint(ctx context.Context, identity string, checkpoint int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (identity, checkpoint) VALUES (?, ?)
	ON CONFLICT(identity) DO UPDATE SET checkpoint = excluded.checkpoint`,
		identity, checkpoint)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for %s: %w", identity, err)
	}
	return nil
}

// Migrated reports whether the initial migration (seeding the remote store
// from local rows) has run for an identity.
func (s *Store) Migrated(ctx context.Context, identity string) (bool, error) {
	var migrated int
	err := s.conn.QueryRowContext(ctx,
		`SELECT migrated FROM sync_state WHERE identity = ?`, identity).Scan(&migrated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read migration flag for %s: %w", identity, err)
	}
	return migrated != 0, nil
}

// SetMigrated records that the initial migration ran for an identity.
func (s *Store) SetMigrated(ctx context.Context, identity string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (identity, migrated) VALUES (?, 1)
	ON CONFLICT(identity) DO UPDATE SET migrated = 1`, identity)
	if err != nil {
		return fmt.Errorf("failed to set migration flag for %s: %w", identity, err)
	}
	return nil
}
