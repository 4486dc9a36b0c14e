package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client calls the agent's bridge endpoint.
type Client struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates a client for the agent at url. Calls give up after
// timeout (10s if zero).
func NewClient(url, secret string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve asks the agent to resolve handle and grant the configured role.
// Any failure, including timeouts, yields an empty id and a non-nil error.
func (c *Client) Resolve(ctx context.Context, handle string) (string, error) {
	body, err := json.Marshal(Request{Handle: handle})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("bridge call failed", "request_id", reqID, "handle", handle, "error", err)
		return "", fmt.Errorf("bridge request: %w", err)
	}
	defer resp.Body.Close()

	var br Response
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, &br); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	c.logger.Info("bridge call",
		"request_id", reqID,
		"handle", handle,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge: status %d: %s", resp.StatusCode, br.Error)
	}
	if br.ExternalID == "" {
		return "", fmt.Errorf("bridge: response carried no external id")
	}
	return br.ExternalID, nil
}
