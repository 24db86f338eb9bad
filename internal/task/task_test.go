package task

import (
	"strings"
	"testing"
	"time"
)

func validTask() *Task {
	return &Task{
		SyncID:    NewSyncID(),
		Name:      "water the plants",
		CreatedAt: time.Now(),
		UpdatedAt: NowMillis(),
	}
}

func TestValidate(t *testing.T) {
	if err := validTask().Validate(); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing sync id", func(tk *Task) { tk.SyncID = "" }},
		{"missing name", func(tk *Task) { tk.Name = "" }},
		{"name too long", func(tk *Task) { tk.Name = strings.Repeat("x", 501) }},
		{"missing created at", func(tk *Task) { tk.CreatedAt = time.Time{} }},
		{"missing updated at", func(tk *Task) { tk.UpdatedAt = 0 }},
		{"bad status", func(tk *Task) { tk.SyncStatus = "weird" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tt.mutate(tk)
			if err := tk.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTouch(t *testing.T) {
	tk := validTask()
	tk.SyncStatus = StatusSynced
	before := tk.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	tk.Touch()

	if tk.UpdatedAt <= before {
		t.Errorf("timestamp did not advance: %d -> %d", before, tk.UpdatedAt)
	}
	if tk.SyncStatus != StatusPending {
		t.Errorf("status after touch = %s, want pending", tk.SyncStatus)
	}
}

func TestNewSyncID(t *testing.T) {
	a, b := NewSyncID(), NewSyncID()
	if len(a) != 32 {
		t.Errorf("sync id length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("two ids collided")
	}
}

func TestOutboxEntryValidate(t *testing.T) {
	tests := []struct {
		name  string
		entry OutboxEntry
		ok    bool
	}{
		{"task remove", OutboxEntry{Entity: EntityTask, Action: ActionRemove, Key1: "a"}, true},
		{"edge add", OutboxEntry{Entity: EntityEdge, Action: ActionAdd, Key1: "a", Key2: "b"}, true},
		{"dep remove", OutboxEntry{Entity: EntityDep, Action: ActionRemove, Key1: "a", Key2: "b"}, true},
		{"bad entity", OutboxEntry{Entity: "thing", Action: ActionAdd, Key1: "a"}, false},
		{"bad action", OutboxEntry{Entity: EntityTask, Action: "upsert", Key1: "a"}, false},
		{"missing key1", OutboxEntry{Entity: EntityTask, Action: ActionRemove}, false},
		{"edge missing key2", OutboxEntry{Entity: EntityEdge, Action: ActionAdd, Key1: "a"}, false},
		{"task with key2", OutboxEntry{Entity: EntityTask, Action: ActionRemove, Key1: "a", Key2: "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
