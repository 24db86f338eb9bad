package sync

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trellisdev/trellis/internal/remote"
	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/task"
)

// Puller fetches remote deltas and snapshots and reconciles them into the
// graph store.
//
// One pull pass runs in a fixed order: task upserts first, then edge
// reconciliation, so every inbound edge resolves against already-present
// task rows. Any error aborts the whole pass and the checkpoint stays put;
// writes already applied are idempotent upserts the next pass re-derives.
type Puller struct {
	store  *store.Store
	client *remote.Client
	logger *log.Logger
}

// NewPuller creates a pull engine. A nil logger defaults to stderr.
func NewPuller(st *store.Store, client *remote.Client, logger *log.Logger) *Puller {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Puller{store: st, client: client, logger: logger}
}

// Pull performs one logical pull pass for the identity and advances its
// checkpoint on full success.
func (p *Puller) Pull(ctx context.Context, identity string) error {
	checkpoint, err := p.store.Checkpoint(ctx, identity)
	if err != nil {
		return err
	}

	newCheckpoint, applied, err := p.pullTasks(ctx, checkpoint)
	if err != nil {
		return err
	}

	// Edges carry no per-edge timestamp, so delta fetch is impossible; the
	// complete snapshot of both relations is diffed every pass.
	if err := p.reconcileEdges(ctx, relationEdges); err != nil {
		return err
	}
	if err := p.reconcileEdges(ctx, relationDeps); err != nil {
		return err
	}

	if newCheckpoint > checkpoint {
		if err := p.store.SetCheckpoint(ctx, identity, newCheckpoint); err != nil {
			return err
		}
	}

	if applied > 0 {
		p.logger.Printf("Pull applied %d task updates (checkpoint %d)", applied, newCheckpoint)
	}
	return nil
}

// pullTasks fetches tasks updated after the checkpoint (or all tasks if
// zero) and applies last-write-wins. Returns the highest update timestamp
// seen, which becomes the next checkpoint.
func (p *Puller) pullTasks(ctx context.Context, checkpoint int64) (int64, int, error) {
	maxSeen := checkpoint
	applied := 0
	pageToken := ""

	for {
		docs, next, err := p.client.ListTasksPage(ctx, checkpoint, pageToken)
		if err != nil {
			return 0, 0, fmt.Errorf("list tasks: %w", err)
		}

		for _, doc := range docs {
			changed, err := p.store.ApplyRemoteTask(ctx, doc)
			if err != nil {
				return 0, 0, err
			}
			if changed {
				applied++
			}
			if doc.UpdatedAt > maxSeen {
				maxSeen = doc.UpdatedAt
			}
		}

		if next == "" {
			break
		}
		pageToken = next
	}

	return maxSeen, applied, nil
}

// pullRelation names one edge relation for reconciliation.
type pullRelation int

const (
	relationEdges pullRelation = iota
	relationDeps
)

// reconcileEdges diffs the full remote snapshot of one relation against the
// local graph.
//
// Remote edges absent locally are inserted after re-validating acyclicity
// against the local graph; a cycle-inducing remote edge is dropped silently
// rather than propagated. Local edges with synced provenance that are
// absent from the snapshot are deleted; this is how a deletion on another
// device propagates. Locally pending edges are never deleted here.
func (p *Puller) reconcileEdges(ctx context.Context, rel pullRelation) error {
	snapshot, err := p.fetchSnapshot(ctx, rel)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(snapshot))
	for _, doc := range snapshot {
		seen[doc.DocID()] = true

		var applied bool
		if rel == relationEdges {
			applied, err = p.store.ApplyRemoteEdge(ctx, doc.From, doc.To)
		} else {
			applied, err = p.store.ApplyRemoteDep(ctx, doc.From, doc.To)
		}
		if err != nil {
			return err
		}
		if applied {
			p.logger.Printf("Pulled edge %s", doc.DocID())
		}
	}

	local, err := p.listLocal(ctx, rel)
	if err != nil {
		return err
	}

	for _, k := range local {
		if k.Provenance != task.StatusSynced {
			continue
		}
		if seen[remote.EdgeDoc{From: k.A, To: k.B}.DocID()] {
			continue
		}

		var removed bool
		if rel == relationEdges {
			removed, err = p.store.RemoveSyncedEdge(ctx, k.A, k.B)
		} else {
			removed, err = p.store.RemoveSyncedDep(ctx, k.A, k.B)
		}
		if err != nil {
			return err
		}
		if removed {
			p.logger.Printf("Removed stale edge %s--%s", k.A, k.B)
		}
	}

	return nil
}

// fetchSnapshot pages through the complete remote snapshot of one relation.
func (p *Puller) fetchSnapshot(ctx context.Context, rel pullRelation) ([]remote.EdgeDoc, error) {
	var snapshot []remote.EdgeDoc
	pageToken := ""

	for {
		var docs []remote.EdgeDoc
		var next string
		var err error
		if rel == relationEdges {
			docs, next, err = p.client.ListEdgesPage(ctx, pageToken)
		} else {
			docs, next, err = p.client.ListDepsPage(ctx, pageToken)
		}
		if err != nil {
			return nil, fmt.Errorf("list edges: %w", err)
		}

		snapshot = append(snapshot, docs...)
		if next == "" {
			return snapshot, nil
		}
		pageToken = next
	}
}

func (p *Puller) listLocal(ctx context.Context, rel pullRelation) ([]store.EdgeKey, error) {
	if rel == relationEdges {
		return p.store.ListEdgeKeys(ctx)
	}
	return p.store.ListDepKeys(ctx)
}
