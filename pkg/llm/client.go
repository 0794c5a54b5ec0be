package llm

import (
	"context"
	"fmt"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// Client sends one prompt to a language model and returns the raw text.
type Client interface {
	// Name identifies the provider in logs, metrics and spans.
	Name() string

	// Generate sends a system instruction and a user prompt.
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Provider selects a Client implementation.
type Provider string

const (
	// ProviderGemini talks to the Gemini API.
	ProviderGemini Provider = "gemini"

	// ProviderOpenAI talks to OpenAI or any OpenAI-compatible endpoint.
	ProviderOpenAI Provider = "openai"
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	Provider    Provider
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// NewClient creates the client for cfg.Provider. An empty provider means Gemini.
func NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		c, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderOpenAI:
		c, err := NewOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported LLM provider %q", cfg.Provider), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func missingAPIKey(provider Provider) error {
	return engine.NewPermanentError(fmt.Sprintf("missing API key for LLM provider %s", provider), nil).
		WithCode(engine.ErrCodeValidation)
}
