// Package publisher pins distributor documents to an IPFS-compatible HTTP API.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	maxErrorBody       = 1 << 10
)

// PublishError reports a failed publication after all attempts were used.
type PublishError struct {
	Name       string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *PublishError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("publish %s: status %d after %d attempts: %v", e.Name, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("publish %s: failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Result describes a pinned document.
type Result struct {
	CID  string
	Name string
	Size int64
}

// Client uploads documents through the /api/v0/add endpoint.
type Client struct {
	endpoint    string
	token       string
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	sleep       func(context.Context, time.Duration) error
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBearerToken authenticates requests with token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			c.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// New constructs a client for the API rooted at endpoint, for example
// http://127.0.0.1:5001.
func New(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("publisher: endpoint required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("publisher: invalid endpoint: %w", err)
	}
	c := &Client{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Publish pins data under name and returns its content identifier. Server
// errors and transport failures are retried; 4xx responses are not.
func (c *Client) Publish(ctx context.Context, name string, data []byte) (*Result, error) {
	attempt := 0
	backoff := c.minBackoff
	for {
		attempt++
		result, status, err := c.add(ctx, name, data)
		if err == nil {
			return result, nil
		}
		retryable := status == 0 || status >= 500 || status == http.StatusTooManyRequests
		if !retryable || attempt >= c.maxAttempts || ctx.Err() != nil {
			return nil, &PublishError{Name: name, Attempts: attempt, StatusCode: status, Err: err}
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, &PublishError{Name: name, Attempts: attempt, StatusCode: status, Err: err}
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Client) add(ctx context.Context, name string, data []byte) (*Result, int, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, 0, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, 0, err
	}
	if err := writer.Close(); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v0/add?pin=true&cid-version=1", body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, resp.StatusCode, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(snippet)))
	}
	var decoded addResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Hash == "" {
		return nil, resp.StatusCode, errors.New("response missing content identifier")
	}
	result := &Result{CID: decoded.Hash, Name: decoded.Name}
	if size, err := strconv.ParseInt(decoded.Size, 10, 64); err == nil {
		result.Size = size
	}
	return result, resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
