// Package ctl is the veilctl-side client for the veild HTTP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a veild instance.
type Client struct {
	baseURL string
	secret  string
	http    *retryablehttp.Client
}

// Key mirrors the API's key representation.
type Key struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
	IsActive  bool   `json:"is_active"`
	Link      string `json:"link,omitempty"`
}

// Traffic mirrors the API's traffic representation.
type Traffic struct {
	KeyID     int64 `json:"key_id"`
	Upload    int64 `json:"upload"`
	Download  int64 `json:"download"`
	UpdatedAt int64 `json:"updated_at"`
}

// Health mirrors the API's health representation.
type Health struct {
	Status  string `json:"status"`
	Xray    bool   `json:"xray"`
	Version string `json:"version"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-success answer from veild.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// NewClient creates a Client for the given veild endpoint.
func NewClient(baseURL, secret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    rc,
	}
}

// CreateKey provisions a new key.
func (c *Client) CreateKey(ctx context.Context, name string) (Key, error) {
	var key Key
	body := map[string]string{"name": name}
	err := c.do(ctx, http.MethodPost, "/api/keys", body, &key)
	return key, err
}

// ListKeys returns all keys.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var list []Key
	err := c.do(ctx, http.MethodGet, "/api/keys", nil, &list)
	return list, err
}

// GetKey returns one key.
func (c *Client) GetKey(ctx context.Context, id int64) (Key, error) {
	var key Key
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/keys/%d", id), nil, &key)
	return key, err
}

// DeleteKey revokes a key.
func (c *Client) DeleteKey(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/keys/%d", id), nil, nil)
}

// KeyTraffic returns a key's traffic counters.
func (c *Client) KeyTraffic(ctx context.Context, id int64) (Traffic, error) {
	var traffic Traffic
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/keys/%d/traffic", id), nil, &traffic)
	return traffic, err
}

// KeyLink returns a key's access link.
func (c *Client) KeyLink(ctx context.Context, id int64) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/keys/%d/link", id), nil, &resp)
	return resp.Link, err
}

// CheckHealth queries the unauthenticated health endpoint.
func (c *Client) CheckHealth(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &health)
	return health, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(data))
	}

	if !env.Success {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
