// Package agent forwards validated operations to the downstream worker
// service that actually performs the work.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is an authenticated worker-service client. It satisfies
// gateway.Downstream.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// workerRequest is the payload posted to the worker service.
type workerRequest struct {
	ContextID string          `json:"contextId"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Handle posts the operation to the worker and returns its raw JSON result.
func (c *Client) Handle(ctx context.Context, contextID, operation string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(workerRequest{ContextID: contextID, Operation: operation, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/operations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", operation, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("worker %s: read response: %w", operation, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker %s: status %d: %s", operation, resp.StatusCode, truncate(out, 200))
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
