// Package llm abstracts the external reasoning backend behind a single
// capability interface so the concrete vendor is swappable without
// touching the matching pipeline.
package llm

import (
	"context"

	"github.com/clinharbor/trialmatch/internal/model"
)

// Provider defines the interface for reasoning backends
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete sends one structured prompt and returns the raw
	// completion text. Callers own prompt construction and response
	// parsing; the provider only moves text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsAvailable checks if the provider is properly configured and
	// reachable
	IsAvailable(ctx context.Context) bool
}

// CompletionRequest contains the input for a reasoning call
type CompletionRequest struct {
	// System sets the model's role (e.g. trial coordinator stance)
	System string

	// Prompt is the user-turn content
	Prompt string

	// Model overrides the configured model for this call
	Model string

	// MaxTokens limits the response length
	MaxTokens int

	// Temperature controls sampling. Extraction wants near-greedy
	// output; evaluation tolerates slightly more.
	Temperature float32
}

// CompletionResponse contains the reasoning backend's output
type CompletionResponse struct {
	// Text is the raw completion
	Text string

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds reasoning provider configuration
type Config struct {
	// Provider name: "anthropic", "openai", "ollama"
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g. Ollama)
	BaseURL string

	// Timeout for API requests
	Timeout int // seconds

	// MaxTokens default for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "anthropic",
		Timeout:   30,
		MaxTokens: 2000,
	}
}

// ConfigFromModel converts model.LLMConfig to llm.Config
func ConfigFromModel(modelConfig model.LLMConfig) Config {
	return Config{
		Provider:   modelConfig.Provider,
		Model:      modelConfig.Model,
		APIKey:     modelConfig.APIKey,
		BaseURL:    modelConfig.BaseURL,
		Timeout:    modelConfig.Timeout,
		MaxTokens:  modelConfig.MaxTokens,
		HTTPProxy:  modelConfig.HTTPProxy,
		HTTPSProxy: modelConfig.HTTPSProxy,
		NoProxy:    modelConfig.NoProxy,
	}
}
