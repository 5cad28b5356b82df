package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
)

var _ generation.Client = (*Client)(nil)

const errorSnippetLimit = 400

// ErrPromptTemplateNotSet is returned when no operator prompt template is configured.
var ErrPromptTemplateNotSet = errors.New("openai prompt template not set")

// Client implements generation.Client with an OpenAI-compatible chat completions API.
// The prompt is rendered from the operator supplied template for every item.
type Client struct {
	client      openai.Client
	model       string
	system      string
	prompt      *template.Template
	temperature float64
	maxTokens   int
	forward     []string
}

// promptData is the value the prompt template is executed against.
type promptData struct {
	Name     string
	Features string
	Platform string
	Sections []string
}

// New builds the client. Headers named in forward are attached to each request,
// except Authorization, which always carries the configured API key.
func New(cfg config.OpenAISettings, forward []string) (*Client, error) {
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		return nil, ErrPromptTemplateNotSet
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}

	fwd := make([]string, 0, len(forward))
	for _, h := range forward {
		if !strings.EqualFold(h, common.HeaderAuthorization) {
			fwd = append(fwd, h)
		}
	}

	return &Client{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		prompt:      tmpl,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		forward:     fwd,
	}, nil
}

// Generate renders the prompt and requests one chat completion.
func (c *Client) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	var buf bytes.Buffer
	if err := c.prompt.Execute(&buf, promptData{
		Name:     req.Name,
		Features: req.Features,
		Platform: req.Platform,
		Sections: req.Sections,
	}); err != nil {
		return generation.Result{}, fmt.Errorf("render prompt: %w", err)
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if sys := strings.TrimSpace(c.system); sys != "" {
		msgs = append(msgs, openai.SystemMessage(sys))
	}
	msgs = append(msgs, openai.UserMessage(buf.String()))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: msgs,
	}
	if c.temperature != 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params, c.headerOptions(req.Credentials)...)
	if err != nil {
		if ctx.Err() != nil {
			return generation.Result{}, ctx.Err()
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return generation.Result{}, &generation.StatusError{
				StatusCode: apiErr.StatusCode,
				Body:       generation.Truncate(apiErr.Message, errorSnippetLimit),
			}
		}
		return generation.Result{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return generation.Result{}, fmt.Errorf("empty completion")
	}
	return generation.Result{
		Content: completion.Choices[0].Message.Content,
		Model:   string(completion.Model),
	}, nil
}

func (c *Client) headerOptions(creds http.Header) []option.RequestOption {
	var opts []option.RequestOption
	for _, name := range c.forward {
		if v := creds.Get(name); v != "" {
			opts = append(opts, option.WithHeader(name, v))
		}
	}
	return opts
}
