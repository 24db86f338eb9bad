// Package remote is the stateless wrapper around the cloud document store.
//
// One collection per entity type, scoped per identity. The client translates
// entities to and from the wire format and classifies every response into
// success, not-found, or a typed failure; it holds no sync state of its own.
//
// Write methods treat "not found" as success for deletes. Any other non-2xx
// response becomes a typed failure that aborts the caller's pass without
// consuming outbox entries. Listing methods are resumable via an opaque page
// cursor; callers loop until no cursor is returned.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trellisdev/trellis/internal/task"
)

// TokenProvider supplies the current bearer token for remote calls. The
// coordinator guarantees freshness before a pass starts.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// IdentityFunc resolves the identity whose collections a request targets.
// Resolved per request so a daemon that starts signed out picks up the
// identity once a sign-in lands.
type IdentityFunc func() string

// Client talks to the remote document store for one identity.
type Client struct {
	baseURL  string
	identity IdentityFunc
	tokens   TokenProvider
	http     *http.Client
}

// New creates a remote client. timeout bounds every individual request; a
// timeout surfaces as a TransientError, an ordinary failure that aborts the
// current pass.
func New(baseURL string, identity IdentityFunc, tokens TokenProvider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		identity: identity,
		tokens:   tokens,
		http:     &http.Client{Timeout: timeout},
	}
}

// PutTask creates or overwrites the task document keyed by its sync id.
// Replaying a put is idempotent.
func (c *Client) PutTask(ctx context.Context, t *task.Task) error {
	return c.put(ctx, CollectionTasks, t.SyncID, t)
}

// DeleteTask removes the task document. Deleting an already-absent document
// is success.
func (c *Client) DeleteTask(ctx context.Context, syncID string) error {
	return c.delete(ctx, CollectionTasks, syncID)
}

// ListTasksPage fetches one page of task documents updated strictly after
// updatedAfter (zero fetches all). Returns the next page cursor, empty when
// the listing is exhausted.
func (c *Client) ListTasksPage(ctx context.Context, updatedAfter int64, pageToken string) ([]*task.Task, string, error) {
	q := url.Values{}
	if updatedAfter > 0 {
		q.Set("updatedAfter", strconv.FormatInt(updatedAfter, 10))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var page struct {
		Documents     []*task.Task `json:"documents"`
		NextPageToken string       `json:"nextPageToken"`
	}
	if err := c.get(ctx, CollectionTasks, q, &page); err != nil {
		return nil, "", err
	}
	return page.Documents, page.NextPageToken, nil
}

// PutEdge creates or overwrites a listed-under edge document. Replaying an
// add is a union no-op.
func (c *Client) PutEdge(ctx context.Context, doc EdgeDoc) error {
	return c.put(ctx, CollectionEdges, doc.DocID(), doc)
}

// DeleteEdge removes a listed-under edge document; absent is success.
func (c *Client) DeleteEdge(ctx context.Context, from, to string) error {
	return c.delete(ctx, CollectionEdges, EdgeDoc{From: from, To: to}.DocID())
}

// ListEdgesPage fetches one page of the listed-under edge snapshot.
func (c *Client) ListEdgesPage(ctx context.Context, pageToken string) ([]EdgeDoc, string, error) {
	return c.listEdges(ctx, CollectionEdges, pageToken)
}

// PutDep creates or overwrites a depends-on edge document.
func (c *Client) PutDep(ctx context.Context, doc EdgeDoc) error {
	return c.put(ctx, CollectionDeps, doc.DocID(), doc)
}

// DeleteDep removes a depends-on edge document; absent is success.
func (c *Client) DeleteDep(ctx context.Context, from, to string) error {
	return c.delete(ctx, CollectionDeps, EdgeDoc{From: from, To: to}.DocID())
}

// ListDepsPage fetches one page of the depends-on edge snapshot.
func (c *Client) ListDepsPage(ctx context.Context, pageToken string) ([]EdgeDoc, string, error) {
	return c.listEdges(ctx, CollectionDeps, pageToken)
}

// Batch commits up to MaxBatchWrites writes atomically: either every write
// in the batch is applied or none is.
func (c *Client) Batch(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > MaxBatchWrites {
		return fmt.Errorf("remote: batch of %d exceeds limit of %d", len(writes), MaxBatchWrites)
	}

	body := struct {
		Writes []Write `json:"writes"`
	}{Writes: writes}

	return c.do(ctx, http.MethodPost, c.url("batch", ""), nil, body, nil)
}

func (c *Client) listEdges(ctx context.Context, collection, pageToken string) ([]EdgeDoc, string, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var page struct {
		Documents     []EdgeDoc `json:"documents"`
		NextPageToken string    `json:"nextPageToken"`
	}
	if err := c.get(ctx, collection, q, &page); err != nil {
		return nil, "", err
	}
	return page.Documents, page.NextPageToken, nil
}

func (c *Client) put(ctx context.Context, collection, id string, doc any) error {
	return c.do(ctx, http.MethodPut, c.url(collection, id), nil, doc, nil)
}

func (c *Client) delete(ctx context.Context, collection, id string) error {
	err := c.do(ctx, http.MethodDelete, c.url(collection, id), nil, nil, nil)
	if err == ErrNotFound {
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, collection string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, c.url(collection, ""), q, nil, out)
}

func (c *Client) url(collection, id string) string {
	u := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(c.identity()), collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// do performs one HTTP exchange and classifies the response.
func (c *Client) do(ctx context.Context, method, rawURL string, q url.Values, in, out any) error {
	if q != nil && len(q) > 0 {
		rawURL += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("remote: failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("remote: no usable token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection failures and timeouts are transient by definition.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: failed to decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound

	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized

	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransientError{Err: fmt.Errorf("server returned %d", resp.StatusCode)}

	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProtocolError{Status: resp.StatusCode, Body: string(data)}
	}
}
