// Package client is a small Go SDK for calling a running phishguard
// server's /scan endpoint, grounded on the teacher's pkg/trust/client.go
// shape: a Config struct, a package-level timeout-bound http.Client, a
// single POST-and-decode method, and a header-injection helper for
// callers that need to forward an admin key alongside a scan request.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClient is used for all outbound requests, ensuring a sensible
// timeout even if the server hangs.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Config holds the client configuration.
type Config struct {
	BaseURL  string
	AdminKey string
}

// Client is the phishguard scan-API client.
type Client struct {
	Config Config
}

// NewClient creates a new phishguard client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	return &Client{Config: cfg}
}

// ScanResponse mirrors the /scan endpoint's success envelope (spec.md §6).
type ScanResponse struct {
	Success       bool           `json:"success"`
	Result        map[string]any `json:"result"`
	RiskLevel     string         `json:"risk_level"`
	LatencyMs     int64          `json:"latency_ms"`
	NetworkIssues bool           `json:"network_issues,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Scan submits url to the server's /scan endpoint and decodes the
// response.
func (c *Client) Scan(url string) (*ScanResponse, error) {
	reqBody, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return nil, fmt.Errorf("phishguard client: marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.Config.BaseURL+"/scan", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("phishguard client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	InjectAdminKey(req, c.Config.AdminKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("phishguard client: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ScanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("phishguard client: decode response (status %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return &result, fmt.Errorf("phishguard client: scan request returned status %d: %s", resp.StatusCode, result.Error)
	}
	return &result, nil
}

// InjectAdminKey adds the admin key header to an outbound request, used
// by callers driving the governance endpoints directly.
func InjectAdminKey(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
}
