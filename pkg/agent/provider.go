package agent

import (
	"context"
	"fmt"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
)

// LLMClient is the provider-neutral surface the agent drives.
type LLMClient interface {
	// Call makes one LLM API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string

	// Model returns the configured model id.
	Model() string

	// Close releases any resources held by the client.
	Close() error
}

// Message is one conversation turn sent to the provider.
type Message struct {
	Role    string
	Content string
}

// LLMRequest contains the request parameters for an LLM call.
type LLMRequest struct {
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the response from the LLM.
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// NewClient builds an LLM client for the given selection. Credentials
// are resolved from the environment; a missing key is a configuration
// error the caller surfaces before any session work starts.
func NewClient(sel config.ModelSelection) (LLMClient, error) {
	apiKey := sel.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q (set %s)",
			sel.Provider, sel.Defaults().APIKeyEnv)
	}

	switch sel.Provider {
	case "claude":
		return newAnthropicClient(sel.Model, apiKey, sel.ResolveBaseURL()), nil
	case "openai", "groq", "gemini":
		// gemini and groq expose OpenAI-compatible chat endpoints; the
		// base URL picks the backend.
		return newOpenAIClient(sel.Provider, sel.Model, apiKey, sel.ResolveBaseURL()), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", sel.Provider)
	}
}
