// Package analysis generates the daily AI market summary from processed
// feed content. Generation goes through the queue's per-category circuit
// breaker so a down model host parks the jobs instead of burning their
// retry budgets.
package analysis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// ClientConfig configures the Ollama-backed model client.
type ClientConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client wraps the Ollama API client with a request timeout. Retry and
// failure isolation live above it, in the job queue and breaker.
type Client struct {
	api   *api.Client
	model string
}

// NewClient creates a Client for the configured Ollama host.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		api:   api.NewClient(u, &http.Client{Timeout: timeout}),
		model: cfg.Model,
	}, nil
}

// Generate sends prompt to the model and returns the full response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: &stream,
	}

	var sb strings.Builder
	err := c.api.Generate(ctx, req, func(r api.GenerateResponse) error {
		sb.WriteString(r.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return sb.String(), nil
}
