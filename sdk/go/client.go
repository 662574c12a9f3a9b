package vaultlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vaultline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// RecordRef identifies one record in the store.
type RecordRef struct {
	Collection string `json:"collection"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
}

// Record is one full record: parsed header plus markdown body.
type Record struct {
	Collection string         `json:"collection"`
	Name       string         `json:"name"`
	Header     map[string]any `json:"header"`
	Body       string         `json:"body"`
}

// Approval is a pending approval request with its draft content.
type Approval struct {
	Name       string `json:"name"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	Status     string `json:"status"`
	SourcePlan string `json:"source_plan"`
	SourceItem string `json:"source_item"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Draft      string `json:"draft"`
}

// Decision reports the outcome of an approve or reject call.
type Decision struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Actor   string `json:"actor,omitempty"`
	Message string `json:"message"`
}

// AuditEntry is one line of the engine's audit log.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Result    string         `json:"result"`
	Item      string         `json:"item,omitempty"`
	Plan      string         `json:"plan,omitempty"`
	Approval  string         `json:"approval,omitempty"`
	Action    string         `json:"action,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns record counts per collection.
func (c *Client) Status(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp.Counts, err
}

// Records lists a collection, optionally filtered by header status.
func (c *Client) Records(ctx context.Context, collection, status string) ([]RecordRef, error) {
	endpoint := "v0/records/" + url.PathEscape(collection)
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []RecordRef
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Record fetches one record.
func (c *Client) Record(ctx context.Context, collection, name string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s/%s", url.PathEscape(collection), url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approvals lists pending approval requests.
func (c *Client) Approvals(ctx context.Context) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "v0/approvals", nil, &resp)
	return resp, err
}

// Approve approves a pending request by record name.
func (c *Client) Approve(ctx context.Context, name string) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("v0/approvals/%s/approve", url.PathEscape(name))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject rejects a pending request by record name.
func (c *Client) Reject(ctx context.Context, name string) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("v0/approvals/%s/reject", url.PathEscape(name))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Log returns the newest audit entries, oldest first.
func (c *Client) Log(ctx context.Context, n int) ([]AuditEntry, error) {
	endpoint := "v0/log"
	if n > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, n)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	req.Header.Set("Content-Type", "application/json")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
