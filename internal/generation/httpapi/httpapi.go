package httpapi

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
	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
)

var _ generation.Client = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	defaultTimeout    = 150 * time.Second
	errorSnippetLimit = 400
	maxResponseBytes  = 4 << 20
)

// Client implements generation.Client against a remote content generation service.
// The service receives one item per request and answers with the generated text.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	forward    []string
}

// New creates a client for the service at cfg.BaseURL + cfg.Path. Headers named in
// forward are copied from the request credentials onto every outbound call.
func New(cfg config.HTTPSettings, forward []string) (*Client, error) {
	u, err := url.JoinPath(strings.TrimRight(cfg.BaseURL, "/"), cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   u,
		apiKey:     cfg.APIKey,
		forward:    forward,
	}, nil
}

// Generate posts the item to the generation service.
func (c *Client) Generate(ctx context.Context, in generation.Request) (generation.Result, error) {
	bodyBytes, err := json.Marshal(generateRequest{
		ItemID:   in.ItemID,
		Name:     in.Name,
		Features: in.Features,
		Platform: in.Platform,
		Sections: in.Sections,
	})
	if err != nil {
		return generation.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return generation.Result{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	for _, name := range c.forward {
		for _, v := range in.Credentials.Values(name) {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get(headerAuthorization) == "" && strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return generation.Result{}, ctx.Err()
		}
		return generation.Result{}, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return generation.Result{}, &generation.StatusError{
			StatusCode: resp.StatusCode,
			Body:       generation.Truncate(strings.TrimSpace(string(respBytes)), errorSnippetLimit),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return generation.Result{}, fmt.Errorf("parse response: %w", err)
	}
	content := out.Content
	if content == "" {
		content = out.Text
	}
	if strings.TrimSpace(content) == "" {
		return generation.Result{}, fmt.Errorf("empty generation result")
	}
	return generation.Result{Content: content, Model: out.Model}, nil
}

type generateRequest struct {
	ItemID   string   `json:"itemId"`
	Name     string   `json:"name"`
	Features string   `json:"features"`
	Platform string   `json:"platform"`
	Sections []string `json:"sections,omitempty"`
}

// generateResponse accepts either "content" or "text" as the generated field.
type generateResponse struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	Model   string `json:"model,omitempty"`
}
