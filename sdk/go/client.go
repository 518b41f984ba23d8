package miglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal migline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

type Plugin struct {
	Name          string `json:"name"`
	TargetVersion int    `json:"target_version"`
}

// ScopeStatus is the migration state of one scope.
type ScopeStatus struct {
	Scope          string  `json:"scope"`
	State          string  `json:"state"`
	Version        int     `json:"version"`
	StatusCode     int     `json:"status_code"`
	StatusName     string  `json:"status_name"`
	StatusMessage  *string `json:"status_message,omitempty"`
	LatestVersion  int     `json:"latest_version"`
	Pending        []int   `json:"pending"`
	RunningVersion int     `json:"running_version,omitempty"`
	JobID          string  `json:"job_id,omitempty"`
	InstanceID     string  `json:"instance_id,omitempty"`
	Remote         bool    `json:"remote,omitempty"`
	Stale          bool    `json:"stale,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

// Job is one migration run.
type Job struct {
	ID             string `json:"id"`
	Scope          string `json:"scope"`
	InstanceID     string `json:"instance_id"`
	State          string `json:"state"`
	FromVersion    int    `json:"from_version"`
	ToVersion      int    `json:"to_version"`
	CurrentVersion int    `json:"current_version,omitempty"`
	CurrentPlugin  string `json:"current_plugin,omitempty"`
	Applied        []int  `json:"applied,omitempty"`
	Processed      int64  `json:"processed"`
	Migrated       int64  `json:"migrated"`
	Skipped        int64  `json:"skipped"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (j Job) Finished() bool { return j.State != "" && j.State != "running" }

// Event is a journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Scope   string         `json:"scope"`
	JobID   string         `json:"job_id,omitempty"`
	Plugin  string         `json:"plugin,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartOptions are the parameters of Start.
type StartOptions struct {
	Force   bool
	Timeout time.Duration
	// Wait blocks until the run finishes.
	Wait bool
}

// Plugins lists the registered plugins in version order.
func (c *Client) Plugins(ctx context.Context) ([]Plugin, error) {
	var resp struct {
		Items []Plugin `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/plugins", nil, &resp)
	return resp.Items, err
}

func (c *Client) Scopes(ctx context.Context) ([]string, error) {
	var resp struct {
		Items []string `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/scopes", nil, &resp)
	return resp.Items, err
}

func (c *Client) Status(ctx context.Context, scope string) (ScopeStatus, error) {
	var resp ScopeStatus
	err := c.do(ctx, http.MethodGet, scopePath(scope, "status"), nil, &resp)
	return resp, err
}

// Start claims scope and runs its pending plugins.
func (c *Client) Start(ctx context.Context, scope string, opts StartOptions) (Job, error) {
	body := map[string]any{
		"force": opts.Force,
		"wait":  opts.Wait,
	}
	if opts.Timeout > 0 {
		body["timeout"] = opts.Timeout.String()
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, scopePath(scope, "migrations"), body, &resp)
	return resp, err
}

func (c *Client) Jobs(ctx context.Context, scope string) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, scopePath(scope, "jobs"), nil, &resp)
	return resp.Items, err
}

func (c *Client) Job(ctx context.Context, scope, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, scopePath(scope, "jobs/"+url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// Cancel requests cancellation; the returned job may still be running.
func (c *Client) Cancel(ctx context.Context, scope, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodDelete, scopePath(scope, "jobs/"+url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

func (c *Client) Reset(ctx context.Context, scope string, force bool) (ScopeStatus, error) {
	var resp ScopeStatus
	err := c.do(ctx, http.MethodPost, scopePath(scope, "reset"), map[string]any{"force": force}, &resp)
	return resp, err
}

// Events lists journal entries of scope newest first. Pass the previous
// NextCursor to page back.
func (c *Client) Events(ctx context.Context, scope, evtType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := scopePath(scope, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitJob polls the job until it finishes or ctx is done.
func (c *Client) WaitJob(ctx context.Context, scope, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, scope, jobID)
		if err != nil || job.Finished() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func scopePath(scope, p string) string {
	return fmt.Sprintf("v0/scopes/%s/%s", url.PathEscape(scope), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
