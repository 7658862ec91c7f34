// Package config provides configuration types for Tally.
package config

// Config represents the main Tally configuration.
type Config struct {
	Model      ModelConfig      `toml:"model"`
	Agent      AgentConfig      `toml:"agent"`
	Log        LogConfig        `toml:"log"`
	Transcript TranscriptConfig `toml:"transcript"`
}

// ModelConfig configures the hosted chat model.
type ModelConfig struct {
	Provider       string  `toml:"provider"` // openai (any OpenAI-compatible endpoint)
	BaseURL        string  `toml:"base_url"`
	Name           string  `toml:"name"`
	APIKey         string  `toml:"api_key"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	MaxRetries     int     `toml:"max_retries"`
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
}

// AgentConfig configures the loop driver.
type AgentConfig struct {
	SystemPrompt string `toml:"system_prompt"`
	MaxSteps     int    `toml:"max_steps"`
	ToolErrors   string `toml:"tool_errors"` // report, fail
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// TranscriptConfig configures the run transcript store.
type TranscriptConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ProviderOpenAI is the only supported provider.
const ProviderOpenAI = "openai"

// Tool error policies.
const (
	ToolErrorsReport = "report"
	ToolErrorsFail   = "fail"
)
