// Package calendar is the client for the calendar/notification service
// used by side-effecting actions.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basegraph.app/triage/common/logger"
)

const DefaultTimeout = 5 * time.Second

type Meeting struct {
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
	StartAt      string   `json:"start_at"` // ISO-8601 UTC
	DurationMin  int      `json:"duration_min"`
}

type Nudge struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Result is the outcome of one call: either an ID or an error, never both.
type Result struct {
	ID  string
	Err error
}

func (r Result) OK() bool { return r.Err == nil }

func success(id string) Result { return Result{ID: id} }
func failure(err error) Result { return Result{Err: err} }

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL (e.g. "http://localhost:7300/api").
// timeout <= 0 uses DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) CreateMeeting(ctx context.Context, m Meeting) Result {
	return c.post(ctx, "/meetings", m)
}

func (c *Client) SendNudge(ctx context.Context, n Nudge) Result {
	return c.post(ctx, "/nudges", n)
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *Client) post(ctx context.Context, path string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(fmt.Errorf("calendar: marshal %s: %w", path, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Errorf("calendar: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return failure(fmt.Errorf("calendar: post %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failure(fmt.Errorf("calendar: %s returned %d: %s", path, resp.StatusCode, logger.Truncate(string(respBody), 256)))
	}

	var out idResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failure(fmt.Errorf("calendar: decode %s response: %w", path, err))
	}
	return success(out.ID)
}
