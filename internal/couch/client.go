package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DesignDocName is the well-known design document carrying the snapshot
// views; DesignDocID is its full document id.
const (
	DesignDocName = "story-snapshots"
	DesignDocID   = "_design/" + DesignDocName
)

// System databases excluded from tenant discovery.
var systemDatabases = map[string]bool{
	"_replicator":     true,
	"_users":          true,
	"_global_changes": true,
}

// Config holds the store connection settings.
type Config struct {
	URL          string
	Username     string
	Password     string
	TenantPrefix string
	Timeout      time.Duration
}

// Client is a thin wrapper around a CouchDB connection. It owns database
// discovery and per-database document/bulk/view primitives; retention policy
// lives with its callers. The client is safe for concurrent use and is
// constructed once, then shared by reference across all scheduled actions.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	username     string
	password     string
	tenantPrefix string
}

// New builds a store client with a tuned transport. Every request carries the
// client's overall timeout so a hung store connection cannot starve the
// scheduler's other triggers.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		return nil, fmt.Errorf("couch: store URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("couch: invalid store URL %q: %w", cfg.URL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:      base,
		username:     cfg.Username,
		password:     cfg.Password,
		tenantPrefix: cfg.TenantPrefix,
	}, nil
}

// Ping verifies the store is reachable and answering.
func (c *Client) Ping(ctx context.Context) error {
	status, _, _, err := c.do(ctx, http.MethodGet, "/_up", nil, nil)
	if err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	if status == http.StatusNotFound {
		// Older servers without /_up answer on the root.
		status, _, _, err = c.do(ctx, http.MethodGet, "/", nil, nil)
		if err != nil {
			return &ConnectionError{Op: "ping", Err: err}
		}
	}
	if status != http.StatusOK {
		return &ConnectionError{Op: "ping", Err: fmt.Errorf("unexpected status %d", status)}
	}
	return nil
}

// ListTenantDatabases returns every database matching the tenant naming
// convention, excluding internal/system databases.
func (c *Client) ListTenantDatabases(ctx context.Context) ([]string, error) {
	status, body, _, err := c.do(ctx, http.MethodGet, "/_all_dbs", nil, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "list databases", Err: err}
	}
	if status != http.StatusOK {
		return nil, &ConnectionError{Op: "list databases", Err: fmt.Errorf("unexpected status %d", status)}
	}

	var all []string
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("couch: decode _all_dbs response: %w", err)
	}

	tenants := make([]string, 0, len(all))
	for _, name := range all {
		if systemDatabases[name] || strings.HasPrefix(name, "_") {
			continue
		}
		if c.tenantPrefix != "" && !strings.HasPrefix(name, c.tenantPrefix) {
			continue
		}
		tenants = append(tenants, name)
	}
	return tenants, nil
}

// EnsureResult tags the outcome of an idempotent database create.
type EnsureResult int

const (
	// Created means this call created the database.
	Created EnsureResult = iota
	// AlreadyExists means another creator won the race, or the database
	// predates this call. Both count as success.
	AlreadyExists
)

// EnsureDatabase is an idempotent get-or-create: concurrent creators racing
// on the same name both succeed.
func (c *Client) EnsureDatabase(ctx context.Context, name string) (EnsureResult, error) {
	status, _, srvErr, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return 0, &ConnectionError{Op: "ensure database", DB: name, Err: err}
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted:
		return Created, nil
	case http.StatusPreconditionFailed:
		return AlreadyExists, nil
	}
	return 0, fmt.Errorf("couch: ensure database %s: unexpected status %d (%s)", name, status, srvErr.Reason)
}

// GetDoc fetches a document by id into out. Missing documents return
// ErrNotFound.
func (c *Client) GetDoc(ctx context.Context, db, id string, out any) error {
	path := "/" + url.PathEscape(db) + "/" + escapeDocID(id)
	status, body, _, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return &ConnectionError{Op: "get document", DB: db, Err: err}
	}
	switch status {
	case http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("couch: decode document %s/%s: %w", db, id, err)
		}
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("document %s/%s: %w", db, id, ErrNotFound)
	}
	return fmt.Errorf("couch: get document %s/%s: unexpected status %d", db, id, status)
}

// PutDoc writes a document and returns its new revision. Revision races
// return ErrConflict.
func (c *Client) PutDoc(ctx context.Context, db, id string, doc any) (string, error) {
	path := "/" + url.PathEscape(db) + "/" + escapeDocID(id)
	status, body, srvErr, err := c.do(ctx, http.MethodPut, path, nil, doc)
	if err != nil {
		return "", &ConnectionError{Op: "put document", DB: db, Err: err}
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted:
		var resp struct {
			Rev string `json:"rev"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("couch: decode put response for %s/%s: %w", db, id, err)
		}
		return resp.Rev, nil
	case http.StatusConflict:
		return "", fmt.Errorf("document %s/%s: %w", db, id, ErrConflict)
	}
	return "", fmt.Errorf("couch: put document %s/%s: unexpected status %d (%s)", db, id, status, srvErr.Reason)
}

// ViewOptions control a view query. Keys are JSON-encoded as-is, so callers
// pass strings for scalar keys and slices for compound keys.
type ViewOptions struct {
	StartKey    any
	EndKey      any
	IncludeDocs bool
	GroupLevel  int
	NoReduce    bool
}

// ViewRow is one emitted (key, value) pair, with the source document attached
// when include_docs was requested.
type ViewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

// ViewResult is a view query response.
type ViewResult struct {
	TotalRows int64     `json:"total_rows"`
	Rows      []ViewRow `json:"rows"`
}

// QueryView executes a view in the snapshot design document. A query against
// a database that has not been migrated yet (no design document, or an older
// one without this view) returns ErrViewMissing, distinguished from transport
// failure by the server's not_found error tag.
func (c *Client) QueryView(ctx context.Context, db, view string, opts ViewOptions) (*ViewResult, error) {
	query := url.Values{}
	if opts.StartKey != nil {
		encoded, err := json.Marshal(opts.StartKey)
		if err != nil {
			return nil, fmt.Errorf("couch: encode startkey: %w", err)
		}
		query.Set("startkey", string(encoded))
	}
	if opts.EndKey != nil {
		encoded, err := json.Marshal(opts.EndKey)
		if err != nil {
			return nil, fmt.Errorf("couch: encode endkey: %w", err)
		}
		query.Set("endkey", string(encoded))
	}
	if opts.IncludeDocs {
		query.Set("include_docs", "true")
	}
	if opts.GroupLevel > 0 {
		query.Set("group_level", strconv.Itoa(opts.GroupLevel))
	}
	if opts.NoReduce {
		query.Set("reduce", "false")
	}

	path := "/" + url.PathEscape(db) + "/_design/" + DesignDocName + "/_view/" + url.PathEscape(view)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	status, body, srvErr, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "query view " + view, DB: db, Err: err}
	}
	switch status {
	case http.StatusOK:
		var result ViewResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("couch: decode view %s response: %w", view, err)
		}
		return &result, nil
	case http.StatusNotFound:
		if srvErr.Error == "not_found" {
			return nil, fmt.Errorf("view %s on %s: %w", view, db, ErrViewMissing)
		}
	}
	return nil, fmt.Errorf("couch: query view %s on %s: unexpected status %d (%s: %s)",
		view, db, status, srvErr.Error, srvErr.Reason)
}

// BulkResult is the outcome for a single document in a bulk batch.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"-"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkDocs submits a batch of document writes and returns one outcome per
// document. A heterogeneous batch (some rows succeed, some conflict) is a
// normal return, not an error of the call.
func (c *Client) BulkDocs(ctx context.Context, db string, docs []any) ([]BulkResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	payload := map[string]any{"docs": docs}
	path := "/" + url.PathEscape(db) + "/_bulk_docs"
	status, body, srvErr, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return nil, &ConnectionError{Op: "bulk docs", DB: db, Err: err}
	}
	if status != http.StatusCreated && status != http.StatusAccepted {
		return nil, fmt.Errorf("couch: bulk docs on %s: unexpected status %d (%s)", db, status, srvErr.Reason)
	}

	var results []BulkResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("couch: decode bulk response for %s: %w", db, err)
	}
	for i := range results {
		results[i].OK = results[i].Error == ""
	}
	return results, nil
}

// Tombstone is the delete marker submitted through BulkDocs. The store keeps
// the revision trail; actual reclamation is compaction's job.
type Tombstone struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev"`
	Deleted bool   `json:"_deleted"`
}

// NewTombstone builds a delete marker for a document revision.
func NewTombstone(id, rev string) Tombstone {
	return Tombstone{ID: id, Rev: rev, Deleted: true}
}

// do performs one request and returns the status, raw body, and the decoded
// server error body (zero-valued on success). The error return covers
// transport failures only.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body any) (int, []byte, serverError, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, serverError{}, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, serverError{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, serverError{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, serverError{}, fmt.Errorf("read response body: %w", err)
	}

	var srvErr serverError
	if resp.StatusCode >= http.StatusBadRequest {
		// Best effort; some proxies answer with non-JSON bodies.
		_ = json.Unmarshal(raw, &srvErr)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		// Server-side failures rank with transport failures: the store is
		// effectively unreachable for this operation.
		return resp.StatusCode, raw, srvErr, fmt.Errorf("server error %d (%s: %s)", resp.StatusCode, srvErr.Error, srvErr.Reason)
	}
	return resp.StatusCode, raw, srvErr, nil
}

// escapeDocID escapes a document id for use in a URL path, preserving the
// slash in _design/<name> ids.
func escapeDocID(id string) string {
	if strings.HasPrefix(id, "_design/") {
		return "_design/" + url.PathEscape(strings.TrimPrefix(id, "_design/"))
	}
	return url.PathEscape(id)
}
