package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
)

var _ generation.Client = (*Client)(nil)

// ErrForcedFailure is returned for item names listed in FailNames.
var ErrForcedFailure = errors.New("mock generation failure")

// Client is a deterministic generator for development and tests.
type Client struct {
	delay     time.Duration
	prefix    string
	failNames map[string]struct{}
}

func New(cfg config.MockSettings) *Client {
	fail := make(map[string]struct{}, len(cfg.FailNames))
	for _, n := range cfg.FailNames {
		fail[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return &Client{delay: cfg.Delay, prefix: cfg.Prefix, failNames: fail}
}

// Generate waits for the configured delay and echoes the item fields.
func (c *Client) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return generation.Result{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return generation.Result{}, err
	}

	if _, ok := c.failNames[strings.ToLower(strings.TrimSpace(req.Name))]; ok {
		return generation.Result{}, fmt.Errorf("%w for %q", ErrForcedFailure, req.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", c.prefix, req.Name)
	if req.Platform != "" {
		fmt.Fprintf(&b, " for %s", req.Platform)
	}
	if req.Features != "" {
		fmt.Fprintf(&b, "\n%s", req.Features)
	}
	if len(req.Sections) > 0 {
		fmt.Fprintf(&b, "\nsections: %s", strings.Join(req.Sections, ", "))
	}
	return generation.Result{Content: b.String(), Model: "mock"}, nil
}
