// Package apiclient talks to a running bulkgen server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/jobs"
)

const (
	defaultTimeout    = 30 * time.Second
	errorSnippetLimit = 400
	maxResponseBytes  = 32 << 20
)

// APIError is returned for every non-2xx answer.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps 404 onto jobs.ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return jobs.ErrNotFound
	}
	return nil
}

type Client struct {
	baseURL       string
	apiKey        string
	authorization string
	httpClient    *http.Client
}

type Option func(*Client)

// WithAPIKey sets the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithAuthorization sets the Authorization header forwarded to the generation provider.
func WithAuthorization(v string) Option {
	return func(c *Client) { c.authorization = strings.TrimSpace(v) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{baseURL: u.String(), httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitRequest is the JSON body of POST /v1/jobs.
type SubmitRequest struct {
	Owner       string           `json:"owner"`
	Items       []jobs.ItemInput `json:"items"`
	Sections    []string         `json:"sections,omitempty"`
	CallbackURL string           `json:"callbackUrl,omitempty"`
}

type SubmitResponse struct {
	JobID     string `json:"jobId"`
	ItemCount int    `json:"itemCount"`
	StatusURL string `json:"statusUrl"`
}

func (c *Client) Submit(ctx context.Context, in SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	body, err := json.Marshal(in)
	if err != nil {
		return out, fmt.Errorf("marshal request: %w", err)
	}
	err = c.do(ctx, http.MethodPost, common.PathJobs, bytes.NewReader(body), &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, common.PathJobs+"/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls the job every interval until it is terminal or ctx is done. When ctx ends first,
// the last state seen is returned together with ctx.Err().
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*jobs.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last *jobs.Job
	for {
		job, err := c.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		last = job
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", common.ContentTypeJSON)
	}
	if c.apiKey != "" {
		req.Header.Set(common.HeaderAPIKey, c.apiKey)
	}
	if c.authorization != "" {
		req.Header.Set(common.HeaderAuthorization, c.authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       generation.Truncate(strings.TrimSpace(string(data)), errorSnippetLimit),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
