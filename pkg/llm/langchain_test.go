package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel is a langchaingo model that records the last request.
type fakeModel struct {
	resp     *llms.ContentResponse
	err      error
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.options)
	}
	return m.resp, m.err
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func textOf(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	if len(msg.Parts) != 1 {
		t.Fatalf("Expected one part, got %d", len(msg.Parts))
	}
	part, ok := msg.Parts[0].(llms.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", msg.Parts[0])
	}
	return part.Text
}

func TestLangChainClientGenerate(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: `{"plan": []}`}}}}
	client := NewLangChainClient("openai", model, 0.2)

	text, err := client.Generate(context.Background(), "be precise", "User request: x")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != `{"plan": []}` {
		t.Errorf("Unexpected text %q", text)
	}
	if client.Name() != "openai" {
		t.Errorf("Unexpected name %s", client.Name())
	}

	if len(model.messages) != 2 {
		t.Fatalf("Expected system and human messages, got %d", len(model.messages))
	}
	if model.messages[0].Role != llms.ChatMessageTypeSystem || textOf(t, model.messages[0]) != "be precise" {
		t.Errorf("Unexpected system message: %+v", model.messages[0])
	}
	if model.messages[1].Role != llms.ChatMessageTypeHuman || textOf(t, model.messages[1]) != "User request: x" {
		t.Errorf("Unexpected human message: %+v", model.messages[1])
	}
	if model.options.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2, got %v", model.options.Temperature)
	}
}

func TestLangChainClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   *fakeModel
		message string
	}{
		{"request failure", &fakeModel{err: errors.New("rate limited")}, "rate limited"},
		{"no choices", &fakeModel{resp: &llms.ContentResponse{}}, "no choices"},
		{"empty content", &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "  "}}}}, "empty response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLangChainClient("openai", tt.model, 0).Generate(context.Background(), "", "p")
			if err == nil || !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected error containing %q, got %v", tt.message, err)
			}
			if len(tt.model.messages) != 1 {
				t.Errorf("Expected only the human message without a system prompt, got %d", len(tt.model.messages))
			}
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(context.Background(), ClientConfig{Provider: "unknown", APIKey: "k"}); err == nil {
		t.Error("Expected error for unknown provider")
	}
	if _, err := NewClient(context.Background(), ClientConfig{Provider: ProviderOpenAI}); err == nil {
		t.Error("Expected error for missing OpenAI credentials")
	}
	if _, err := NewClient(context.Background(), ClientConfig{Provider: ProviderGemini}); err == nil {
		t.Error("Expected error for missing Gemini API key")
	}

	client, err := NewClient(context.Background(), ClientConfig{Provider: ProviderOpenAI, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Name() != string(ProviderOpenAI) {
		t.Errorf("Expected openai client, got %s", client.Name())
	}
}
