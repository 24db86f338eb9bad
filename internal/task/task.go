// Package task defines the core domain types for trellis: tasks, the two
// edge relations, outbox entries, and change events.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// SyncStatus describes whether a local record is known to match a confirmed
// remote state ("synced") or is still awaiting its first successful push
// ("pending"). The same values are used for task rows and for edge
// provenance.
type SyncStatus string

const (
	// StatusPending means the record has local changes not yet confirmed
	// by the remote store.
	StatusPending SyncStatus = "pending"

	// StatusSynced means the record matches a confirmed remote state.
	StatusSynced SyncStatus = "synced"
)

// IsValid reports whether the status is one of the known values.
func (s SyncStatus) IsValid() bool {
	return s == StatusPending || s == StatusSynced
}

// Task is a single work item. Tasks form a multi-parent DAG through the
// listed-under relation and carry an independent depends-on relation used to
// compute blocked status.
//
// LocalID is process-assigned (SQLite rowid) and never leaves the machine.
// SyncID is the stable global identifier, assigned once at creation and
// immutable thereafter; it is the document key in the remote store.
type Task struct {
	LocalID int64  `json:"-"`
	SyncID  string `json:"sync_id"`
	Name    string `json:"name"`

	CreatedAt time.Time `json:"created_at"`

	// Lifecycle timestamps, independently nullable. A task may be both
	// started and worked on today.
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	SkippedAt    *time.Time `json:"skipped_at,omitempty"`
	LastWorkedAt *time.Time `json:"last_worked_at,omitempty"`

	Priority bool `json:"priority"`
	Quick    bool `json:"quick"`

	// SyncStatus flips to pending on every state-changing mutation and back
	// to synced once the remote store confirms the row.
	SyncStatus SyncStatus `json:"-"`

	// UpdatedAt is wall-clock unix milliseconds, refreshed on every
	// mutation. It drives delta pulls and last-write-wins resolution.
	UpdatedAt int64 `json:"updated_at"`
}

// Validate checks required fields before a task is written anywhere.
func (t *Task) Validate() error {
	if t.SyncID == "" {
		return fmt.Errorf("sync_id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(t.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(t.Name))
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	if t.SyncStatus != "" && !t.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status: %s", t.SyncStatus)
	}
	return nil
}

// Touch refreshes the update timestamp and flips the row back to pending.
// Call it on every state-changing mutation.
func (t *Task) Touch() {
	t.UpdatedAt = NowMillis()
	t.SyncStatus = StatusPending
}

// NowMillis returns the current wall clock in unix milliseconds, the
// resolution used for the update timestamp and the sync checkpoint.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewSyncID generates a fresh global identifier for a task.
// 16 random bytes, hex encoded; assigned once and never changed.
func NewSyncID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("task: rand.Read: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Entity identifies which kind of record an outbox entry refers to.
type Entity string

const (
	// EntityTask is a task document keyed by its sync id.
	EntityTask Entity = "task"
	// EntityEdge is a listed-under edge keyed by both endpoint sync ids.
	EntityEdge Entity = "edge"
	// EntityDep is a depends-on edge keyed by both endpoint sync ids.
	EntityDep Entity = "dep"
)

// IsValid reports whether the entity is one of the known kinds.
func (e Entity) IsValid() bool {
	return e == EntityTask || e == EntityEdge || e == EntityDep
}

// Action is the remote operation an outbox entry represents.
type Action string

const (
	// ActionAdd creates or overwrites the remote document.
	ActionAdd Action = "add"
	// ActionRemove deletes the remote document.
	ActionRemove Action = "remove"
)

// IsValid reports whether the action is one of the known values.
func (a Action) IsValid() bool {
	return a == ActionAdd || a == ActionRemove
}

// OutboxEntry is a durable record of one remote operation not yet confirmed
// complete. Entries are written in the same transaction as the local change
// they represent and deleted only after the remote call reports success.
//
// Tasks key on their sync identifier in Key1; edges key on both endpoint
// sync identifiers (Key1 = parent or dependent task, Key2 = child or
// blocker). Entries may be processed in any order.
type OutboxEntry struct {
	ID        int64     `json:"id"`
	Entity    Entity    `json:"entity"`
	Action    Action    `json:"action"`
	Key1      string    `json:"key1"`
	Key2      string    `json:"key2,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the entry's fields before it is enqueued.
func (e *OutboxEntry) Validate() error {
	if !e.Entity.IsValid() {
		return fmt.Errorf("invalid entity: %s", e.Entity)
	}
	if !e.Action.IsValid() {
		return fmt.Errorf("invalid action: %s", e.Action)
	}
	if e.Key1 == "" {
		return fmt.Errorf("key1 is required")
	}
	if e.Entity != EntityTask && e.Key2 == "" {
		return fmt.Errorf("key2 is required for %s entries", e.Entity)
	}
	if e.Entity == EntityTask && e.Key2 != "" {
		return fmt.Errorf("key2 must be empty for task entries")
	}
	return nil
}

// EventKind classifies a local change observed after a committed mutation.
type EventKind string

const (
	// EventTaskUpsert fires when a task row is created or modified.
	EventTaskUpsert EventKind = "task_upsert"
	// EventTaskDelete fires when a task row is removed.
	EventTaskDelete EventKind = "task_delete"
	// EventEdgeAdd fires when a listed-under edge is inserted.
	EventEdgeAdd EventKind = "edge_add"
	// EventEdgeRemove fires when a listed-under edge is removed.
	EventEdgeRemove EventKind = "edge_remove"
	// EventDepAdd fires when a depends-on edge is inserted.
	EventDepAdd EventKind = "dep_add"
	// EventDepRemove fires when a depends-on edge is removed.
	EventDepRemove EventKind = "dep_remove"
)

// Event describes one committed local change. Events are delivered after the
// enclosing transaction commits, so observers never see half-applied state.
type Event struct {
	Kind EventKind `json:"kind"`

	// SyncID is the task's global id for task events, or the parent /
	// dependent endpoint for edge events.
	SyncID string `json:"sync_id"`

	// PeerID is the child or blocker endpoint for edge events; empty for
	// task events.
	PeerID string `json:"peer_id,omitempty"`
}
