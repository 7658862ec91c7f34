package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/subosito/gotenv"

	"github.com/flynn-ai/tally/internal/errors"
)

// Environment variables that override the file.
const (
	EnvAPIKey  = "OPENAI_API_KEY"
	EnvModel   = "TALLY_MODEL"
	EnvBaseURL = "TALLY_BASE_URL"
)

// DataDir returns the directory holding config.toml and the transcript db.
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tally")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:       ProviderOpenAI,
			BaseURL:        "https://api.openai.com/v1",
			Name:           "gpt-4o",
			TimeoutSeconds: 120,
			MaxRetries:     3,
			Temperature:    0,
		},
		Agent: AgentConfig{
			MaxSteps:   25,
			ToolErrors: ToolErrorsReport,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			Path:    filepath.Join(DataDir(), "transcripts.db"),
		},
	}
}

// Load loads the configuration from the given path.
// If the file doesn't exist, returns defaults. Environment overrides are
// applied last.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewBuilder(errors.CodeConfigInvalid, fmt.Sprintf("parse %s", configPath)).
				User().
				Wrap(err).
				WithSuggestion("Check the TOML syntax of the config file").
				Build()
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return nil, errors.Wrap(err, errors.CodeConfigNotFound, fmt.Sprintf("read %s", configPath), errors.CategorySystem)
	}

	cfg.expandPaths()
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment. Variables that are already set are kept. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := gotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CodeConfigInvalid, fmt.Sprintf("load %s", path), errors.CategoryUser)
	}
	return nil
}

// Save saves the configuration to the given path.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	return encoder.Encode(c)
}

// Validate checks that the configuration is usable for a run.
func (c *Config) Validate() error {
	var problems []string

	if c.Model.Provider != ProviderOpenAI {
		problems = append(problems, fmt.Sprintf("model.provider must be %q, got %q", ProviderOpenAI, c.Model.Provider))
	}
	if c.Model.Name == "" {
		problems = append(problems, "model.name is empty")
	}
	if c.Model.BaseURL == "" {
		problems = append(problems, "model.base_url is empty")
	}
	if c.Model.TimeoutSeconds < 0 {
		problems = append(problems, "model.timeout_seconds must not be negative")
	}
	if c.Model.MaxRetries < 0 {
		problems = append(problems, "model.max_retries must not be negative")
	}
	if c.Agent.MaxSteps < 1 {
		problems = append(problems, "agent.max_steps must be at least 1")
	}
	if c.Agent.ToolErrors != ToolErrorsReport && c.Agent.ToolErrors != ToolErrorsFail {
		problems = append(problems, fmt.Sprintf("agent.tool_errors must be %q or %q", ToolErrorsReport, ToolErrorsFail))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, "log.format must be text or json")
	}
	if c.Transcript.Enabled && c.Transcript.Path == "" {
		problems = append(problems, "transcript.path is empty")
	}

	if len(problems) == 0 {
		return nil
	}
	b := errors.NewBuilder(errors.CodeConfigInvalid, "invalid configuration").User()
	for _, p := range problems {
		b = b.WithSuggestion(p)
	}
	return b.Build()
}

// RequireAPIKey returns an error if no API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.Model.APIKey != "" {
		return nil
	}
	return errors.NewBuilder(errors.CodeConfigInvalid, "no API key configured").
		User().
		WithSuggestion(fmt.Sprintf("Set %s in the environment or a .env file", EnvAPIKey)).
		WithSuggestion("Or set model.api_key in " + DefaultPath()).
		Build()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Model.APIKey = v
	}
	if v := getenv(EnvModel); v != "" {
		c.Model.Name = v
	}
	if v := getenv(EnvBaseURL); v != "" {
		c.Model.BaseURL = v
	}
}

// expandPaths expands a leading ~ in paths.
func (c *Config) expandPaths() {
	c.Transcript.Path = expandHome(c.Transcript.Path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
