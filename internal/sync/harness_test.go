package sync

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/trellisdev/trellis/internal/remote"
	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/task"
)

// fakeRemote is an in-memory stand-in for the cloud document store, serving
// the same wire protocol the real one does.
type fakeRemote struct {
	mu    gosync.Mutex
	tasks map[string]*task.Task
	edges map[string]remote.EdgeDoc
	deps  map[string]remote.EdgeDoc

	// failAfter makes every request past the first N fail with a 500.
	// Negative disables failure injection.
	failAfter int
	requests  int
	batches   int

	srv *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	f := &fakeRemote{
		tasks:     make(map[string]*task.Task),
		edges:     make(map[string]remote.EdgeDoc),
		deps:      make(map[string]remote.EdgeDoc),
		failAfter: -1,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// failRequestsAfter makes every request past the first n fail with a 500.
func (f *fakeRemote) failRequestsAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = n
	f.requests = 0
}

func (f *fakeRemote) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = -1
}

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests++
	if f.failAfter >= 0 && f.requests > f.failAfter {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Path shape: /v1/{identity}/{collection}[/{id}]
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/v1/"), "/", 3)
	if len(parts) < 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	collection := parts[1]
	id := ""
	if len(parts) == 3 {
		id = parts[2]
	}

	switch {
	case collection == "batch" && r.Method == http.MethodPost:
		f.batches++
		var body struct {
			Writes []struct {
				Collection string          `json:"collection"`
				Action     string          `json:"action"`
				ID         string          `json:"id"`
				Doc        json.RawMessage `json:"doc"`
			} `json:"writes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, wr := range body.Writes {
			if wr.Collection != remote.CollectionTasks || wr.Action != "put" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var tk task.Task
			if err := json.Unmarshal(wr.Doc, &tk); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.tasks[wr.ID] = &tk
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut:
		switch collection {
		case remote.CollectionTasks:
			var tk task.Task
			if err := json.NewDecoder(r.Body).Decode(&tk); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.tasks[id] = &tk
		case remote.CollectionEdges, remote.CollectionDeps:
			var doc remote.EdgeDoc
			if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if collection == remote.CollectionEdges {
				f.edges[id] = doc
			} else {
				f.deps[id] = doc
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		switch collection {
		case remote.CollectionTasks:
			if _, ok := f.tasks[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.tasks, id)
		case remote.CollectionEdges:
			if _, ok := f.edges[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.edges, id)
		case remote.CollectionDeps:
			if _, ok := f.deps[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.deps, id)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet:
		switch collection {
		case remote.CollectionTasks:
			updatedAfter, _ := strconv.ParseInt(r.URL.Query().Get("updatedAfter"), 10, 64)
			var page struct {
				Documents     []*task.Task `json:"documents"`
				NextPageToken string       `json:"nextPageToken"`
			}
			for _, tk := range f.tasks {
				if tk.UpdatedAt > updatedAfter {
					page.Documents = append(page.Documents, tk)
				}
			}
			_ = json.NewEncoder(w).Encode(page)
		case remote.CollectionEdges, remote.CollectionDeps:
			src := f.edges
			if collection == remote.CollectionDeps {
				src = f.deps
			}
			var page struct {
				Documents     []remote.EdgeDoc `json:"documents"`
				NextPageToken string           `json:"nextPageToken"`
			}
			for _, doc := range src {
				page.Documents = append(page.Documents, doc)
			}
			_ = json.NewEncoder(w).Encode(page)
		default:
			w.WriteHeader(http.StatusNotFound)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeRemote) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeRemote) edgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edges)
}

func (f *fakeRemote) putTask(tk *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[tk.SyncID] = tk
}

func (f *fakeRemote) putEdge(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := remote.EdgeDoc{From: from, To: to}
	f.edges[doc.DocID()] = doc
}

func (f *fakeRemote) hasTask(syncID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[syncID]
	return ok
}

func (f *fakeRemote) hasEdge(from, to string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.edges[remote.EdgeDoc{From: from, To: to}.DocID()]
	return ok
}

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// setupEngine builds a store, a fake remote, and a client bound to identity
// "alice".
func setupEngine(t *testing.T) (*store.Store, *fakeRemote, *remote.Client) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	f := newFakeRemote(t)
	client := remote.New(f.srv.URL, func() string { return "alice" }, staticTokens("tok"), 5*time.Second)

	return st, f, client
}

func createSyncedTask(t *testing.T, st *store.Store, name string) *task.Task {
	t.Helper()

	tk := &task.Task{Name: name, CreatedAt: time.Now()}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("failed to create task %q: %v", name, err)
	}
	if err := st.MarkTaskSynced(context.Background(), tk.SyncID, tk.UpdatedAt); err != nil {
		t.Fatalf("failed to mark %q synced: %v", name, err)
	}
	tk.SyncStatus = task.StatusSynced
	return tk
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t}, "[test] ", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
