package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const resendAPIURL = "https://api.resend.com/emails"

// Longest Retry-After the client will sit through before retrying.
const maxRetryAfter = 10 * time.Second

// ResendClient delivers mail through the Resend HTTP API.
type ResendClient struct {
	apiKey     string
	from       string
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

type Option func(*ResendClient)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *ResendClient) {
		cl.httpClient = c
	}
}

func NewResendClient(apiKey, from string, opts ...Option) *ResendClient {
	c := &ResendClient{
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the API key is set.
func (c *ResendClient) Configured() bool {
	return c.apiKey != ""
}

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Send posts msg, retrying throttled and failed attempts under one
// idempotency key so Resend delivers it at most once.
func (c *ResendClient) Send(ctx context.Context, msg Message) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing api key")
	}

	body, err := json.Marshal(resendEmail{
		From:    c.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	key := uuid.NewString()
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return c.post(ctx, body, key)
	})
}

func (c *ResendClient) post(ctx context.Context, body []byte, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendAPIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("send email: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}

	err = apiError(resp)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if err := waitRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
			return err
		}
		return retry.RetryableError(err)
	case resp.StatusCode >= 500:
		return retry.RetryableError(err)
	default:
		return err
	}
}

func apiError(resp *http.Response) error {
	var apiErr resendError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("resend API error: status %d: %s", resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("resend API error: status %d", resp.StatusCode)
}

// waitRetryAfter sleeps for the server's Retry-After seconds, capped at
// maxRetryAfter.
func waitRetryAfter(ctx context.Context, header string) error {
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	d := min(time.Duration(secs*float64(time.Second)), maxRetryAfter)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
