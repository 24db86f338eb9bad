package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/trellisdev/trellis/internal/remote"
	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/task"
)

// Pusher drains the outbox against the remote store and pushes pending task
// rows in batches.
//
// Delivery is at-least-once: an entry is consumed only strictly after the
// corresponding remote call reports success, so a crash or failure mid-drain
// leaves every undelivered entry intact for the next pass. The remote
// operations are idempotent, which makes the possible duplicates harmless.
type Pusher struct {
	store  *store.Store
	client *remote.Client
	logger *log.Logger
}

// NewPusher creates a push engine. A nil logger defaults to stderr.
func NewPusher(st *store.Store, client *remote.Client, logger *log.Logger) *Pusher {
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Pusher{store: st, client: client, logger: logger}
}

// Push performs one push pass: drain the outbox, then push pending task
// rows. Any remote failure aborts the pass; unconsumed entries and pending
// flags survive untouched.
func (p *Pusher) Push(ctx context.Context) error {
	if err := p.drainOutbox(ctx); err != nil {
		return err
	}
	return p.pushPendingTasks(ctx)
}

// drainOutbox applies outbox entries oldest first, consuming each one only
// after the remote store confirmed it.
func (p *Pusher) drainOutbox(ctx context.Context) error {
	entries, err := p.store.PeekOutbox(ctx, 0)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	p.logger.Printf("Draining %d outbox entries", len(entries))

	for _, e := range entries {
		if err := p.apply(ctx, e); err != nil {
			return fmt.Errorf("outbox entry %d (%s %s): %w", e.ID, e.Entity, e.Action, err)
		}
		if err := p.store.ConsumeOutboxEntry(ctx, e.ID); err != nil {
			return err
		}
	}

	return nil
}

// apply performs the remote operation for one entry and, for confirmed edge
// adds, flips the local edge's provenance to synced.
func (p *Pusher) apply(ctx context.Context, e task.OutboxEntry) error {
	switch {
	case e.Entity == task.EntityTask && e.Action == task.ActionAdd:
		t, err := p.store.GetTaskBySyncID(ctx, e.Key1)
		if errors.Is(err, store.ErrNotFound) {
			// Row deleted since the entry was queued; the matching
			// remove entry handles the remote side.
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.client.PutTask(ctx, t); err != nil {
			return err
		}
		return p.store.MarkTaskSynced(ctx, t.SyncID, t.UpdatedAt)

	case e.Entity == task.EntityTask && e.Action == task.ActionRemove:
		return p.client.DeleteTask(ctx, e.Key1)

	case e.Entity == task.EntityEdge && e.Action == task.ActionAdd:
		if err := p.client.PutEdge(ctx, remote.EdgeDoc{From: e.Key1, To: e.Key2}); err != nil {
			return err
		}
		return p.store.MarkEdgeSynced(ctx, e.Key1, e.Key2)

	case e.Entity == task.EntityEdge && e.Action == task.ActionRemove:
		return p.client.DeleteEdge(ctx, e.Key1, e.Key2)

	case e.Entity == task.EntityDep && e.Action == task.ActionAdd:
		if err := p.client.PutDep(ctx, remote.EdgeDoc{From: e.Key1, To: e.Key2}); err != nil {
			return err
		}
		return p.store.MarkDepSynced(ctx, e.Key1, e.Key2)

	case e.Entity == task.EntityDep && e.Action == task.ActionRemove:
		return p.client.DeleteDep(ctx, e.Key1, e.Key2)

	default:
		return fmt.Errorf("unknown outbox entry kind: %s %s", e.Entity, e.Action)
	}
}

// pushPendingTasks sends rows flagged pending in bounded atomic batches. On
// partial failure the whole batch remains pending and is retried next
// cycle; rows mutated while the batch was in flight keep their pending flag
// thanks to the update-timestamp guard.
func (p *Pusher) pushPendingTasks(ctx context.Context) error {
	pending, err := p.store.PendingTasks(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	p.logger.Printf("Pushing %d pending tasks", len(pending))

	for start := 0; start < len(pending); start += remote.MaxBatchWrites {
		end := start + remote.MaxBatchWrites
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		writes := make([]remote.Write, 0, len(batch))
		for _, t := range batch {
			writes = append(writes, remote.Write{
				Collection: remote.CollectionTasks,
				Action:     remote.WritePut,
				ID:         t.SyncID,
				Doc:        t,
			})
		}

		if err := p.client.Batch(ctx, writes); err != nil {
			return fmt.Errorf("pending task batch: %w", err)
		}

		for _, t := range batch {
			if err := p.store.MarkTaskSynced(ctx, t.SyncID, t.UpdatedAt); err != nil {
				return err
			}
		}
	}

	return nil
}
