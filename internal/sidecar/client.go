package sidecar

import (
	"bytes"
	"context"
	"controlplane/internal/job"
	"controlplane/pkg/backoff"
	"controlplane/pkg/cloudevent"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the control plane's workload endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retries int
	backoff backoff.Config
}

// NewClient creates a client. Reports are retried up to retries times on
// network errors and 5xx responses.
func NewClient(baseURL, token string, timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		backoff: backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second},
	}
}

// Report sends a lifecycle report for the workload.
func (c *Client) Report(ctx context.Context, ref string, report *job.Report) error {
	return c.post(ctx, "/v1/workloads/"+url.PathEscape(ref)+"/report", report, c.retries)
}

// Heartbeat sends one heartbeat. Heartbeats are not retried; the next tick is the retry.
func (c *Client) Heartbeat(ctx context.Context, ref string, at time.Time) error {
	return c.post(ctx, "/v1/workloads/"+url.PathEscape(ref)+"/heartbeat", job.Heartbeat{Timestamp: &at, Source: "sidecar"}, 0)
}

func (c *Client) post(ctx context.Context, path string, body any, retries int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff.Delay(attempt)):
			}
		}
		lastErr = c.do(ctx, path, payload)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &cloudevent.HTTPError{StatusCode: resp.StatusCode}
}
