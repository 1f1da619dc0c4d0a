package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps http.Client with the service's base URL and client key.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	clientKey string
}

func newHTTPClient(cfg *Config) *HTTPClient {
	return &HTTPClient{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.BaseURL,
		clientKey: cfg.ClientKey,
	}
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("failed to marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientKey != "" {
		req.Header.Set("x-client-key", c.clientKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// Health checks GET /healthz.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if resp.status != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.status)
	}
	return nil
}

// Snapshot reads today's GET /guidelines and the date the server resolved.
func (c *HTTPClient) Snapshot(ctx context.Context) (string, []Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/guidelines", nil)
	if err != nil {
		return "", nil, err
	}
	if resp.status != http.StatusOK {
		return "", nil, fmt.Errorf("GET /guidelines: status %d: %s", resp.status, resp.body)
	}
	var snap []Snapshot
	if err := json.Unmarshal(resp.body, &snap); err != nil {
		return "", nil, fmt.Errorf("GET /guidelines: %w", err)
	}
	return resp.header.Get("X-Snapshot-Date"), snap, nil
}

// Consent records consent for deviceID.
func (c *HTTPClient) Consent(ctx context.Context, deviceID, version string) error {
	body := map[string]string{
		"deviceId":       deviceID,
		"consentVersion": version,
		"evidence":       "load-evaluations",
		"agreedAt":       time.Now().UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, http.MethodPost, "/consents", body)
	if err != nil {
		return err
	}
	if resp.status != http.StatusCreated {
		return fmt.Errorf("POST /consents: status %d: %s", resp.status, resp.body)
	}
	return nil
}

// Submit posts b and reports whether the server flagged it as a duplicate.
func (c *HTTPClient) Submit(ctx context.Context, b Batch) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/evaluations", b)
	if err != nil {
		return false, err
	}
	if resp.status != http.StatusOK {
		return false, fmt.Errorf("POST /evaluations: status %d: %s", resp.status, resp.body)
	}
	return resp.header.Get("X-Duplicate-Submission") == "true", nil
}
