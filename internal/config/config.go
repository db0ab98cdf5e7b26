// ABOUTME: Configuration loading and parsing for attache-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete attache-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Model      ModelConfig      `yaml:"model"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Chat       ChatConfig       `yaml:"chat"`
	Uploads    UploadsConfig    `yaml:"uploads"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig holds the model endpoint configuration
type ModelConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	Timeout time.Duration `yaml:"-"`
	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// RetrievalConfig holds the vector-search service configuration
type RetrievalConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Limit   int    `yaml:"limit"`
}

// ExtractionConfig holds the text-extraction service configuration.
// An empty base_url falls back to plain-text passthrough.
type ExtractionConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ChatConfig holds conversation behavior configuration
type ChatConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// HistoryTokenBudget is the soft ceiling on history tokens sent to the
	// model per request.
	HistoryTokenBudget int `yaml:"history_token_budget"`
}

// UploadsConfig holds upload storage configuration
type UploadsConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds authentication configuration. An empty jwt_secret
// disables API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible fallbacks.
func applyDefaults(cfg *Config) {
	if cfg.Chat.HistoryTokenBudget == 0 {
		cfg.Chat.HistoryTokenBudget = 30000
	}
	if cfg.Model.Temperature == 0 {
		cfg.Model.Temperature = 0.7
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 2000
	}
	if cfg.Retrieval.Limit == 0 {
		cfg.Retrieval.Limit = 3
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = "./uploads"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if c.Retrieval.Enabled && c.Retrieval.BaseURL == "" {
		return fmt.Errorf("retrieval.base_url is required when retrieval is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Model.TimeoutRaw != "" {
		cfg.Model.Timeout, err = time.ParseDuration(cfg.Model.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing model.timeout %q: %w", cfg.Model.TimeoutRaw, err)
		}
	}

	return nil
}
