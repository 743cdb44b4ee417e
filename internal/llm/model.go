package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/codemap/internal/config"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Model is an Oracle backed by a langchaingo model.
type Model struct {
	llm       llms.Model
	modelName string
	timeout   time.Duration
	metrics   *metrics.Collector
}

// NewModel creates a langchaingo model for the configured provider.
func NewModel(ctx context.Context, cfg config.Config, mc *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OpenRouter API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenRouterAPIKey),
			openai.WithModel(cfg.LLMModel),
			openai.WithBaseURL(openRouterBaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create openrouter model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return newModel(model, cfg.LLMModel, cfg.OracleTimeout, mc), nil
}

func newModel(model llms.Model, name string, timeout time.Duration, mc *metrics.Collector) *Model {
	return &Model{llm: model, modelName: name, timeout: timeout, metrics: mc}
}

// Complete sends a system and user message and returns the first choice.
func (m *Model) Complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	return complete(ctx, m.timeout, m.metrics, func(ctx context.Context) (string, usage, error) {
		messages := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		}
		resp, err := m.llm.GenerateContent(ctx, messages, llms.WithTemperature(temperature))
		if err != nil {
			return "", usage{}, fmt.Errorf("generate: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", usage{}, errors.New("no response choices")
		}
		choice := resp.Choices[0]
		return choice.Content, usageFromInfo(choice.GenerationInfo), nil
	})
}

// Name returns the LLM model name.
func (m *Model) Name() string {
	return m.modelName
}

// usageFromInfo reads token counts from provider-specific generation info keys.
func usageFromInfo(info map[string]any) usage {
	pick := func(keys ...string) int64 {
		for _, k := range keys {
			switch v := info[k].(type) {
			case int:
				return int64(v)
			case int32:
				return int64(v)
			case int64:
				return v
			case float64:
				return int64(v)
			}
		}
		return 0
	}
	return usage{
		InputTokens:  pick("PromptTokens", "InputTokens", "input_tokens", "prompt_eval_count"),
		OutputTokens: pick("CompletionTokens", "OutputTokens", "output_tokens", "eval_count"),
	}
}
