// Package client talks to a running clipfetch service
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/api"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/retry"
	"github.com/psantana5/clip-prefetch/pkg/store"
)

// APIError is a non-success response of the service
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the service
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Retryable reports whether a failed call is worth repeating: rate limiting,
// server errors and transient network failures
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return retry.IsRetryable(err)
}

// Client manages communication with the prefetch service
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retry      retry.Config
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends key as a bearer token
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client, e.g. to configure TLS
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the retry policy
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for the service at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = Retryable
	return c
}

// do sends one request, retrying transient failures, and decodes the JSON
// response into out when out is not nil
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to connect to clipfetch API: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	})
}

// Submit asks the service to prefetch around a playback frame
func (c *Client) Submit(ctx context.Context, req api.PrefetchRequest) (*api.PrefetchResponse, error) {
	var resp api.PrefetchResponse
	if err := c.do(ctx, http.MethodPost, "/prefetch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job returns the record of one job
func (c *Client) Job(ctx context.Context, id string) (*models.JobRecord, error) {
	var rec models.JobRecord
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns recorded jobs matching filter, newest first
func (c *Client) List(ctx context.Context, filter store.Filter) ([]*models.JobRecord, error) {
	q := url.Values{}
	if filter.Owner != "" {
		q.Set("owner", filter.Owner)
	}
	if filter.ClipID != "" {
		q.Set("clip", filter.ClipID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result struct {
		Jobs []*models.JobRecord `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Cancel stops one job
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// CancelAll raises the user cancel of every running job
func (c *Client) CancelAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cancel", nil, nil)
}

// CloseSession stops the job of an editor session and reports whether one was running
func (c *Client) CloseSession(ctx context.Context, owner string) (bool, error) {
	var result struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(owner), nil, &result); err != nil {
		return false, err
	}
	return result.Stopped, nil
}

// Health returns the service health report
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var health map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return health, nil
}
