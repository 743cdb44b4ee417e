package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/raphaelgruber/codemap/internal/config"
	"github.com/raphaelgruber/codemap/internal/metrics"
)

const anthropicMaxTokens = 4096

// Anthropic is an Oracle that talks to the Messages API directly.
// The system prompt is marked for prompt caching since it repeats across files.
type Anthropic struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	metrics *metrics.Collector
}

// NewAnthropic creates an Anthropic oracle from configuration.
func NewAnthropic(cfg config.Config, mc *metrics.Collector, opts ...option.RequestOption) (*Anthropic, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("Anthropic API key required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.AnthropicAPIKey)}, opts...)
	return &Anthropic{
		client:  anthropic.NewClient(opts...),
		model:   cfg.LLMModel,
		timeout: cfg.OracleTimeout,
		metrics: mc,
	}, nil
}

// Complete returns the first text block of the reply.
func (a *Anthropic) Complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	return complete(ctx, a.timeout, a.metrics, func(ctx context.Context) (string, usage, error) {
		message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(a.model),
			MaxTokens:   anthropicMaxTokens,
			Temperature: anthropic.Float(temperature),
			System: []anthropic.TextBlockParam{
				{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			return "", usage{}, fmt.Errorf("anthropic API error: %w", err)
		}
		u := usage{InputTokens: message.Usage.InputTokens, OutputTokens: message.Usage.OutputTokens}
		for _, block := range message.Content {
			if block.Type == "text" {
				return block.Text, u, nil
			}
		}
		return "", u, errors.New("no text content in Anthropic response")
	})
}

// Name returns the model id.
func (a *Anthropic) Name() string {
	return a.model
}
