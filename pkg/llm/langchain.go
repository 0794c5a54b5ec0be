package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// LangChainClient adapts any langchaingo model to Client.
type LangChainClient struct {
	name        string
	model       llms.Model
	temperature float64
}

// NewLangChainClient wraps a langchaingo model.
func NewLangChainClient(name string, model llms.Model, temperature float64) *LangChainClient {
	return &LangChainClient{name: name, model: model, temperature: temperature}
}

// NewOpenAIClient creates a client for OpenAI or an OpenAI-compatible API
// such as OpenRouter or a local server.
func NewOpenAIClient(cfg ClientConfig) (*LangChainClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, missingAPIKey(ProviderOpenAI)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	return NewLangChainClient(string(ProviderOpenAI), llm, cfg.Temperature), nil
}

// Name returns the provider name.
func (c *LangChainClient) Name() string {
	return c.name
}

// Generate sends a system message and a human message.
func (c *LangChainClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	var opts []llms.CallOption
	if c.temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.temperature))
	}

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", c.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", c.name)
	}

	text := resp.Choices[0].Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s returned an empty response", c.name)
	}
	return text, nil
}
