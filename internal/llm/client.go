// Package llm wraps the language model behind a narrow capability interface.
// Callers hand over a prompt, optional tool definitions and a system
// instruction; everything about providers, retries and wire formats stays in
// here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/cexll/agentsdk-go/pkg/model"
	openaisdk "github.com/openai/openai-go"
)

var (
	// ErrModelUnavailable marks timeouts and transport failures reaching the
	// model provider.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrRateLimited marks provider quota exhaustion, kept distinct so the
	// gateway can tell users to retry later.
	ErrRateLimited = errors.New("model rate limited")
)

// Request is a single model invocation.
type Request struct {
	System    string
	Messages  []model.Message
	Tools     []model.ToolDefinition
	MaxTokens int
}

// Reply is the model's answer: assistant text, any requested tool calls, and
// the provider stop reason.
type Reply struct {
	Text       string
	ToolCalls  []model.ToolCall
	StopReason string
}

// Client is the model black box consumed by parser, scorer and agent.
type Client interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

// Config selects and tunes the backing provider.
type Config struct {
	Provider  string // "anthropic" or "openai"
	APIKey    string
	BaseURL   string
	ModelName string
	MaxTokens int
	Timeout   time.Duration
}

const defaultTimeout = 60 * time.Second

type client struct {
	model   model.Model
	timeout time.Duration
}

// NewClient builds a Client from config. The provider is resolved once at
// startup so a bad key or model name fails fast.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	var provider model.Provider
	switch cfg.Provider {
	case "anthropic", "":
		provider = &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.ModelName,
			MaxTokens: cfg.MaxTokens,
		}
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.ModelName,
			MaxTokens: cfg.MaxTokens,
		}
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	m, err := provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("init %s provider: %w", cfg.Provider, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{model: m, timeout: timeout}, nil
}

func (c *client) Generate(ctx context.Context, req Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.model.Complete(ctx, model.Request{
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Reply{
		Text:       resp.Message.Content,
		ToolCalls:  resp.Message.ToolCalls,
		StopReason: resp.StopReason,
	}, nil
}

// classify maps provider errors onto the package sentinels so callers can
// branch with errors.Is.
func classify(err error) error {
	var anthropicErr *anthropicsdk.Error
	if errors.As(err, &anthropicErr) && anthropicErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var openaiErr *openaisdk.Error
	if errors.As(err, &openaiErr) && openaiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return err
}
