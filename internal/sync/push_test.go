package sync

import (
	"context"
	"testing"
	"time"

	"github.com/trellisdev/trellis/internal/remote"
	"github.com/trellisdev/trellis/internal/task"
)

func TestPushPendingTasksAndOutbox(t *testing.T) {
	st, f, client := setupEngine(t)
	ctx := context.Background()

	a := &task.Task{Name: "a", CreatedAt: time.Now()}
	b := &task.Task{Name: "b", CreatedAt: time.Now()}
	if err := st.CreateTask(a); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := st.CreateTask(b); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := st.LinkEdge(a.LocalID, b.LocalID); err != nil {
		t.Fatalf("LinkEdge failed: %v", err)
	}

	pusher := NewPusher(st, client, testLogger(t))
	if err := pusher.Push(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if f.taskCount() != 2 {
		t.Errorf("remote task count = %d, want 2", f.taskCount())
	}
	if !f.hasEdge(a.SyncID, b.SyncID) {
		t.Error("edge not pushed")
	}

	// Outbox drained, rows confirmed.
	count, _ := st.OutboxCount(ctx)
	if count != 0 {
		t.Errorf("outbox count after push = %d, want 0", count)
	}
	pending, _ := st.PendingTasks(ctx)
	if len(pending) != 0 {
		t.Errorf("pending tasks after push = %d, want 0", len(pending))
	}

	keys, _ := st.ListEdgeKeys(ctx)
	if len(keys) != 1 || keys[0].Provenance != task.StatusSynced {
		t.Errorf("edge provenance not confirmed: %+v", keys)
	}
}

func TestPushDeletePropagates(t *testing.T) {
	st, f, client := setupEngine(t)
	ctx := context.Background()

	tk := &task.Task{Name: "doomed", CreatedAt: time.Now()}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	pusher := NewPusher(st, client, testLogger(t))
	if err := pusher.Push(ctx); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	if !f.hasTask(tk.SyncID) {
		t.Fatal("task not pushed")
	}

	if err := st.DeleteTask(tk.LocalID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if err := pusher.Push(ctx); err != nil {
		t.Fatalf("second push failed: %v", err)
	}

	if f.hasTask(tk.SyncID) {
		t.Error("deleted task still present remotely")
	}
}

func TestPushAtLeastOnce(t *testing.T) {
	st, f, client := setupEngine(t)
	ctx := context.Background()

	a := createSyncedTask(t, st, "a")
	b := createSyncedTask(t, st, "b")
	c := createSyncedTask(t, st, "c")

	// Three outbox entries: a->b, a->c, b->c.
	if err := st.LinkEdge(a.LocalID, b.LocalID); err != nil {
		t.Fatalf("LinkEdge failed: %v", err)
	}
	if err := st.LinkEdge(a.LocalID, c.LocalID); err != nil {
		t.Fatalf("LinkEdge failed: %v", err)
	}
	if err := st.LinkEdge(b.LocalID, c.LocalID); err != nil {
		t.Fatalf("LinkEdge failed: %v", err)
	}

	// First request succeeds, everything after fails.
	f.failRequestsAfter(1)

	pusher := NewPusher(st, client, testLogger(t))
	if err := pusher.Push(ctx); err == nil {
		t.Fatal("expected push to fail")
	}

	// Exactly the confirmed entry is consumed; the rest survive for retry.
	entries, _ := st.PeekOutbox(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("outbox after partial failure = %d entries, want 2", len(entries))
	}

	f.heal()
	if err := pusher.Push(ctx); err != nil {
		t.Fatalf("retry push failed: %v", err)
	}

	count, _ := st.OutboxCount(ctx)
	if count != 0 {
		t.Errorf("outbox after retry = %d, want 0", count)
	}
	if f.edgeCount() != 3 {
		t.Errorf("remote edge count = %d, want 3", f.edgeCount())
	}
}

func TestPushReplayIsIdempotent(t *testing.T) {
	st, f, client := setupEngine(t)
	ctx := context.Background()

	a := createSyncedTask(t, st, "a")
	b := createSyncedTask(t, st, "b")
	if err := st.LinkEdge(a.LocalID, b.LocalID); err != nil {
		t.Fatalf("LinkEdge failed: %v", err)
	}

	pusher := NewPusher(st, client, testLogger(t))
	if err := pusher.Push(ctx); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	// Simulate a crash between remote success and consume: the same edge is
	// delivered again. The remote end state must not change.
	if err := client.PutEdge(ctx, remote.EdgeDoc{From: a.SyncID, To: b.SyncID}); err != nil {
		t.Fatalf("replayed put failed: %v", err)
	}

	if f.edgeCount() != 1 {
		t.Errorf("remote edge count after replay = %d, want 1", f.edgeCount())
	}
}

func TestPushNothingToDo(t *testing.T) {
	st, _, client := setupEngine(t)

	pusher := NewPusher(st, client, testLogger(t))
	if err := pusher.Push(context.Background()); err != nil {
		t.Fatalf("empty push failed: %v", err)
	}
}
