// Package apiclient talks to a running poflowd over its HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"poflow/internal/api"
)

// Error is a non-2xx reply from the daemon.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("poflowd returned %d: %s", e.Status, e.Message)
}

// Client calls the daemon API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for base, e.g. http://127.0.0.1:7487. An empty token
// sends no Authorization header.
func New(base, token string) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: 5 * time.Minute}}
}

// SubmitFile uploads a local document.
func (c *Client) SubmitFile(ctx context.Context, path, owner, mode string) (*api.SubmitResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("owner", owner)
	if mode != "" {
		_ = mw.WriteField("mode", mode)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/workflows", mw.FormDataContentType(), &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitURI asks the daemon to fetch and process a document by URI.
func (c *Client) SubmitURI(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/workflows", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workflow returns a workflow with its stages and aggregate.
func (c *Client) Workflow(ctx context.Context, id string) (*api.WorkflowDetail, error) {
	var resp api.WorkflowDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkflows returns workflows filtered by status and owner.
func (c *Client) ListWorkflows(ctx context.Context, statuses []string, owner string, limit int) ([]api.WorkflowView, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", s)
	}
	if owner != "" {
		q.Set("owner", owner)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/workflows"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp api.WorkflowListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Resubmit restarts a failed or review_needed workflow.
func (c *Client) Resubmit(ctx context.Context, id string) (*api.WorkflowView, error) {
	var resp api.WorkflowView
	if err := c.doJSON(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/resubmit", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queues returns per-queue counts.
func (c *Client) Queues(ctx context.Context) ([]api.QueueView, error) {
	var resp api.QueueListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// QueueAction applies pause, resume or drain to a queue.
func (c *Client) QueueAction(ctx context.Context, queue, action string) (*api.QueueActionResponse, error) {
	var resp api.QueueActionResponse
	path := "/api/queues/" + url.PathEscape(queue) + "/" + url.PathEscape(action)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep runs one recovery sweep.
func (c *Client) Sweep(ctx context.Context) (*api.SweepResponse, error) {
	var resp api.SweepResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/recovery/sweep", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns daemon health. A degraded daemon is reported without error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &resp)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && resp.Status != "" {
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.base == "" {
		return fmt.Errorf("api bind address is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact poflowd: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		// Health reports its body alongside a 503.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
