// Package offload talks to the remote execution platform that actually runs
// the simulated devices' workloads. The round-trip time of Execute is the
// primary quantity the harness measures.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client submits workload descriptors to the offload endpoint over HTTP.
type Client struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeader adds a header to every offload request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the given offload endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        1000,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint,
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one workload execution on behalf of a device.
type Request struct {
	DeviceID     string         `json:"device_id"`
	Requirements map[string]any `json:"requirements,omitempty"`
	TaskName     string         `json:"task"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Result is the timed outcome of a successful offload round-trip.
type Result struct {
	Latency    time.Duration
	StatusCode int
	Body       []byte
}

// Execute submits the workload and waits for its outcome.
//
// The returned latency covers the full round-trip, including queueing on the
// remote side. Transport failures and non-2xx responses come back as errors;
// the worker records them as FAILURE outcomes and moves on.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding offload request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building offload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("offload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading offload response: %w", err)
	}

	result := &Result{
		Latency:    latency,
		StatusCode: resp.StatusCode,
		Body:       body,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("offload returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
