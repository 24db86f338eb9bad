package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trellisdev/trellis/internal/task"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// newTestClient points a client at a test server for identity "alice".
func newTestClient(srv *httptest.Server) *Client {
	return New(srv.URL, func() string { return "alice" }, staticTokens("tok-1"), 5*time.Second)
}

func testTask(name string) *task.Task {
	return &task.Task{
		SyncID:    task.NewSyncID(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: task.NowMillis(),
	}
}

func TestPutTaskRequestShape(t *testing.T) {
	tk := testTask("shipped")

	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var doc task.Task
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if doc.SyncID != tk.SyncID {
			t.Errorf("doc sync id = %s, want %s", doc.SyncID, tk.SyncID)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestClient(srv).PutTask(context.Background(), tk); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	wantPath := "/v1/alice/tasks/" + tk.SyncID
	if gotPath != wantPath {
		t.Errorf("path = %s, want %s", gotPath, wantPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestDeleteAbsentIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.DeleteTask(context.Background(), "gone"); err != nil {
		t.Errorf("delete of absent task should succeed, got %v", err)
	}
	if err := c.DeleteEdge(context.Background(), "a", "b"); err != nil {
		t.Errorf("delete of absent edge should succeed, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"server error is transient", http.StatusInternalServerError, IsTransient},
		{"bad gateway is transient", http.StatusBadGateway, IsTransient},
		{"teapot is protocol error", http.StatusTeapot, func(err error) bool {
			var pe *ProtocolError
			return errors.As(err, &pe) && pe.Status == http.StatusTeapot
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newTestClient(srv).PutTask(context.Background(), testTask("x"))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tt.check(err) {
				t.Errorf("wrong classification for %d: %v", tt.status, err)
			}
		})
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	err := newTestClient(srv).PutTask(context.Background(), testTask("x"))
	if !IsTransient(err) {
		t.Errorf("connection failure not transient: %v", err)
	}
}

func TestListTasksPaging(t *testing.T) {
	t1, t2, t3 := testTask("one"), testTask("two"), testTask("three")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("updatedAfter"); got != "500" {
			t.Errorf("updatedAfter = %q, want 500", got)
		}

		var page struct {
			Documents     []*task.Task `json:"documents"`
			NextPageToken string       `json:"nextPageToken"`
		}
		if r.URL.Query().Get("pageToken") == "" {
			page.Documents = []*task.Task{t1, t2}
			page.NextPageToken = "cursor-1"
		} else {
			page.Documents = []*task.Task{t3}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()

	var all []*task.Task
	pageToken := ""
	for {
		docs, next, err := c.ListTasksPage(ctx, 500, pageToken)
		if err != nil {
			t.Fatalf("ListTasksPage failed: %v", err)
		}
		all = append(all, docs...)
		if next == "" {
			break
		}
		pageToken = next
	}

	if len(all) != 3 {
		t.Errorf("got %d tasks across pages, want 3", len(all))
	}
}

func TestEdgeDocID(t *testing.T) {
	doc := EdgeDoc{From: "aaa", To: "bbb"}
	if doc.DocID() != "aaa--bbb" {
		t.Errorf("DocID = %s", doc.DocID())
	}

	from, to, err := ParseEdgeID("aaa--bbb")
	if err != nil {
		t.Fatalf("ParseEdgeID failed: %v", err)
	}
	if from != "aaa" || to != "bbb" {
		t.Errorf("parsed (%s, %s)", from, to)
	}

	if _, _, err := ParseEdgeID("garbage"); err == nil {
		t.Error("expected error for malformed edge id")
	}
}

func TestBatchLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized batch must not reach the server")
	}))
	defer srv.Close()

	writes := make([]Write, MaxBatchWrites+1)
	for i := range writes {
		writes[i] = Write{Collection: CollectionTasks, Action: WritePut, ID: fmt.Sprintf("t%d", i)}
	}

	err := newTestClient(srv).Batch(context.Background(), writes)
	if err == nil {
		t.Fatal("expected error for oversized batch")
	}
}

func TestBatchPostsWrites(t *testing.T) {
	var gotPath string
	var gotCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Writes []Write `json:"writes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		gotCount = len(body.Writes)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	writes := []Write{
		{Collection: CollectionTasks, Action: WritePut, ID: "t1", Doc: testTask("one")},
		{Collection: CollectionTasks, Action: WriteDelete, ID: "t2"},
	}
	if err := newTestClient(srv).Batch(context.Background(), writes); err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	if gotPath != "/v1/alice/batch" {
		t.Errorf("path = %s, want /v1/alice/batch", gotPath)
	}
	if gotCount != 2 {
		t.Errorf("writes = %d, want 2", gotCount)
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty batch must not reach the server")
	}))
	defer srv.Close()

	if err := newTestClient(srv).Batch(context.Background(), nil); err != nil {
		t.Errorf("empty batch failed: %v", err)
	}
}
