package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Client is an HTTP implementation of Controller for capture runtimes that
// expose their control surface as a JSON endpoint (typically the extension
// bridge of a locally launched browser).
type Client struct {
	config     Config
	httpClient *http.Client

	// Statistics
	totalCalls  uint64
	failedCalls uint64

	mu sync.RWMutex
}

// Config contains control client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// ClientStats represents control client statistics
type ClientStats struct {
	TotalCalls  uint64 `json:"total_calls"`
	FailedCalls uint64 `json:"failed_calls"`
}

type capabilityResponse struct {
	Capability string `json:"capability"`
	Available  bool   `json:"available"`
}

type stopRequest struct {
	SessionIndex int64 `json:"session_index"`
}

// NewClient creates a new control channel HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// ProbeCapability asks the capture runtime whether the start capability is
// available yet
func (c *Client) ProbeCapability(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/capability?name=%s", c.config.Endpoint, StartCapability)

	body, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	var resp capabilityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to parse capability response: %w", err)
	}

	return resp.Available, nil
}

// Start issues the producer start command
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	_, err = c.doRequest(ctx, http.MethodPost, c.config.Endpoint+"/start", payload)
	if err != nil {
		return fmt.Errorf("start command failed for session %d: %w", req.SessionIndex, err)
	}

	return nil
}

// Stop issues the producer stop command
func (c *Client) Stop(ctx context.Context, sessionIndex int64) error {
	payload, err := json.Marshal(stopRequest{SessionIndex: sessionIndex})
	if err != nil {
		return fmt.Errorf("failed to marshal stop request: %w", err)
	}

	_, err = c.doRequest(ctx, http.MethodPost, c.config.Endpoint+"/stop", payload)
	if err != nil {
		return &ProducerStopError{SessionIndex: sessionIndex, Err: err}
	}

	return nil
}

// doRequest performs a single HTTP request against the control endpoint
func (c *Client) doRequest(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	c.incrementTotalCalls()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.incrementFailedCalls()
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.incrementFailedCalls()
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.incrementFailedCalls()
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.incrementFailedCalls()
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) incrementTotalCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCalls++
}

func (c *Client) incrementFailedCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedCalls++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalCalls:  c.totalCalls,
		FailedCalls: c.failedCalls,
	}
}
