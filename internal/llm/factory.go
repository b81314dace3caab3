package llm

import (
	"fmt"
	"strings"
)

// NewProvider creates a reasoning provider based on configuration
func NewProvider(config Config) (Provider, error) {
	provider := strings.ToLower(config.Provider)

	switch provider {
	case "anthropic", "claude":
		return NewAnthropicProvider(config)

	case "openai":
		return NewOpenAIProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	default:
		return nil, fmt.Errorf("unknown reasoning provider: %s (supported: anthropic, openai, ollama)", config.Provider)
	}
}
