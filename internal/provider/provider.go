// Package provider builds the chat models that back the LLM agent.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Provider exposes a chat model from one LLM vendor.
type Provider interface {
	ID() string
	Name() string
	ChatModel() model.BaseChatModel
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// FromConfig creates the provider for the configured model. A model string
// without a provider prefix defaults to anthropic.
func FromConfig(ctx context.Context, config *types.Config) (Provider, error) {
	providerID, modelID := ParseModelString(config.Model)
	if providerID == "" {
		providerID = "anthropic"
	}

	pc := config.Provider[providerID]
	if pc.Disable {
		return nil, fmt.Errorf("provider %s is disabled", providerID)
	}

	switch providerID {
	case "anthropic", "claude":
		return NewAnthropicProvider(ctx, &AnthropicConfig{
			ID:        providerID,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     modelID,
			MaxTokens: pc.MaxTokens,
		})
	default:
		// Everything else speaks the OpenAI wire format (openai, ollama, qwen...).
		return NewOpenAIProvider(ctx, &OpenAIConfig{
			ID:        providerID,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     modelID,
			MaxTokens: pc.MaxTokens,
		})
	}
}
