package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float64
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg ClientConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, missingAPIKey(ProviderGemini)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Name returns the provider name.
func (c *GeminiClient) Name() string {
	return string(ProviderGemini)
}

// Generate sends the prompt with system as the system instruction.
func (c *GeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if c.temperature > 0 {
		config.Temperature = genai.Ptr(float32(c.temperature))
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}
