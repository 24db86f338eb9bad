package remote

import (
	"fmt"
	"strings"
)

// EdgeDoc is the wire form of one edge in either relation. Edges carry no
// per-edge timestamp, which is why pulls fetch the complete snapshot and
// diff rather than a delta.
//
// For listed-under edges From is the parent and To the child; for
// depends-on edges From is the dependent task and To the blocker.
type EdgeDoc struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DocID returns the document key for this edge: {from}--{to}.
func (d EdgeDoc) DocID() string {
	return fmt.Sprintf("%s--%s", d.From, d.To)
}

// ParseEdgeID splits an edge document key back into its endpoints.
func ParseEdgeID(id string) (from, to string, err error) {
	parts := strings.Split(id, "--")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid edge document id: %q", id)
	}
	return parts[0], parts[1], nil
}

// Collection names, one per entity type, scoped per identity on the server.
const (
	CollectionTasks = "tasks"
	CollectionEdges = "edges"
	CollectionDeps  = "deps"
)

// WriteAction is the operation kind inside a batch commit.
type WriteAction string

const (
	// WritePut creates or overwrites a document.
	WritePut WriteAction = "put"
	// WriteDelete removes a document; deleting an absent document succeeds.
	WriteDelete WriteAction = "delete"
)

// Write is one element of an atomic batch commit.
type Write struct {
	Collection string      `json:"collection"`
	Action     WriteAction `json:"action"`
	ID         string      `json:"id"`
	Doc        any         `json:"doc,omitempty"`
}

// MaxBatchWrites is the remote store's bound on one atomic batch commit.
const MaxBatchWrites = 500
