// Package client provides a Go SDK for the sandbox-worker daemon HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/polychat/sandbox-worker/pkg/models"
)

// Client calls the sandbox-worker daemon API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://127.0.0.1:8330"
	APIKey     string       // optional; sent as X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL. APIKey is optional; when set,
// requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	resp, err := c.do(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out.OK, err
}

// CreateRun submits a run and returns its id. Credentials travel in request
// headers, never in the JSON body, so the daemon cannot persist them.
func (c *Client) CreateRun(ctx context.Context, params models.TaskParams, secrets models.TaskSecrets) (string, error) {
	headers := map[string]string{
		"X-User-Token":   secrets.UserToken,
		"X-GitHub-Token": secrets.GitHubToken,
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs", params, headers, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// GetRun returns one run record.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, nil, &out)
	return &out, err
}

// ListRuns returns the most recent runs, newest first. limit <= 0 uses the
// daemon default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Run
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

// GetControl returns the run's control state.
func (c *Client) GetControl(ctx context.Context, runID string) (models.RunControl, error) {
	var out models.RunControl
	err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/control", nil, nil, &out)
	return out, err
}

// Pause asks the run to pause at its next checkpoint.
func (c *Client) Pause(ctx context.Context, runID, reason string) error {
	return c.transition(ctx, runID, "pause", reason)
}

// Resume lets a paused run continue.
func (c *Client) Resume(ctx context.Context, runID string) error {
	return c.transition(ctx, runID, "resume", "")
}

// Cancel stops the run at its next checkpoint. Cancellation is sticky; a
// cancelled run cannot be resumed.
func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	return c.transition(ctx, runID, "cancel", reason)
}

func (c *Client) transition(ctx context.Context, runID, action, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/"+action, body, nil, nil)
}

// StreamEvents subscribes to the daemon's SSE stream and calls fn for each
// event until the context is cancelled, the stream ends, or fn returns an
// error. runID filters to one run; empty receives all runs.
func (c *Client) StreamEvents(ctx context.Context, runID string, fn func(models.Event) error) error {
	path := "/v1/events"
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, map[string]string{"Accept": "text/event-stream"})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api GET %s: status %d", path, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue // comments, keepalives, blank separators
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Type == "" || ev.Type == "connected" {
			continue // stream-liveness ping, not a run event
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
