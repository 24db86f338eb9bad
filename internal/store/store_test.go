package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trellisdev/trellis/internal/task"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return st
}

// createTestTask inserts a task and returns it.
func createTestTask(t *testing.T, st *Store, name string) *task.Task {
	t.Helper()

	tk := &task.Task{Name: name, CreatedAt: time.Now()}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("failed to create task %q: %v", name, err)
	}
	return tk
}

func TestOpenTwice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	createTestTask(t, st, "persists")
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	st2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()
	if err := st2.InitSchema(); err != nil {
		t.Fatalf("InitSchema on reopen failed: %v", err)
	}

	count, err := st2.TaskCount(context.Background())
	if err != nil {
		t.Fatalf("TaskCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 task after reopen, got %d", count)
	}
}

func TestObserverFiresAfterCommit(t *testing.T) {
	st := setupTestStore(t)

	var events []task.Event
	st.SetObserver(func(e task.Event) {
		events = append(events, e)
	})

	tk := createTestTask(t, st, "watched")

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != task.EventTaskUpsert {
		t.Errorf("expected task_upsert event, got %s", events[0].Kind)
	}
	if events[0].SyncID != tk.SyncID {
		t.Errorf("event sync id = %s, want %s", events[0].SyncID, tk.SyncID)
	}
}
