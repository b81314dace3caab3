package model

import "time"

// Config is the complete trialmatch configuration
type Config struct {
	MCP         MCPConfig         `yaml:"mcp"`
	LLM         LLMConfig         `yaml:"llm"`
	Search      SearchConfig      `yaml:"search"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Cache       CacheConfig       `yaml:"cache"`
	Output      OutputConfig      `yaml:"output"`
}

// MCPConfig controls the connection to the remote trial tool server
type MCPConfig struct {
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single tool call, including the SSE body read
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries caps backoff-and-retry on retryable failures
	// (gateway errors from a cold-starting backend, timeouts)
	MaxRetries int `yaml:"max_retries"`

	// RequestsPerSecond and Burst pace calls toward the server.
	// Free-tier deployments fall over under bursts.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// Proxy settings for restricted networks
	HTTPProxy  string `yaml:"http_proxy,omitempty"`
	HTTPSProxy string `yaml:"https_proxy,omitempty"`
	NoProxy    string `yaml:"no_proxy,omitempty"`
}

// LLMConfig selects and configures the reasoning backend
type LLMConfig struct {
	// Provider name: "anthropic", "openai", "ollama"
	Provider string `yaml:"provider"`

	// Model name (provider-specific)
	Model string `yaml:"model,omitempty"`

	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Timeout for a single reasoning call, in seconds
	Timeout int `yaml:"timeout"`

	// MaxTokens bounds the response length of an evaluation
	MaxTokens int `yaml:"max_tokens"`

	HTTPProxy  string `yaml:"http_proxy,omitempty"`
	HTTPSProxy string `yaml:"https_proxy,omitempty"`
	NoProxy    string `yaml:"no_proxy,omitempty"`
}

// SearchConfig controls the trial search and fetch stages
type SearchConfig struct {
	// PageSize is the number of studies requested per search page
	PageSize int `yaml:"page_size"`

	// StatusFilter restricts search to trials in this recruitment
	// status. Empty disables the filter.
	StatusFilter string `yaml:"status_filter"`

	// Location narrows search geographically. Empty means anywhere.
	Location string `yaml:"location,omitempty"`

	// MaxFetch caps how many trial details are retrieved per request
	MaxFetch int `yaml:"max_fetch"`

	// FallbackTerm is searched when no conditions could be extracted
	// from the patient record
	FallbackTerm string `yaml:"fallback_term"`
}

// ConcurrencyConfig bounds in-flight remote calls
type ConcurrencyConfig struct {
	FetchWorkers    int `yaml:"fetch_workers"`
	EvaluateWorkers int `yaml:"evaluate_workers"`
}

// CacheConfig controls the opt-in trial detail cache. Caching is off by
// default: a matching request normally sees only records fetched within
// that request.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir,omitempty"` // disk layer location; empty keeps the cache memory-only
	TTL     time.Duration `yaml:"ttl"`
}

// OutputConfig controls report rendering
type OutputConfig struct {
	Verbose    bool `yaml:"verbose"`
	MaxResults int  `yaml:"max_results"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MCP: MCPConfig{
			BaseURL:           "https://clinicaltrialsgov-mcp.onrender.com",
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 4,
			Burst:             4,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Timeout:   30,
			MaxTokens: 2000,
		},
		Search: SearchConfig{
			PageSize:     20,
			StatusFilter: "RECRUITING",
			MaxFetch:     20,
			FallbackTerm: "clinical trial",
		},
		Concurrency: ConcurrencyConfig{
			FetchWorkers:    5,
			EvaluateWorkers: 5,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     1 * time.Hour,
		},
		Output: OutputConfig{
			MaxResults: 10,
		},
	}
}
