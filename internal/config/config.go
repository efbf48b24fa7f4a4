// Package config holds the run configuration: credentials, model, limits,
// and policy knobs, with YAML file loading and environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SizeGuard selects how the assembled request is checked against the
// context window before generation.
type SizeGuard string

const (
	// GuardChars rejects locally when the prompt exceeds MaxChars(). No
	// remote call is made.
	GuardChars SizeGuard = "chars"
	// GuardTokens asks the API to count tokens over the full assembled
	// content, including uploaded file references.
	GuardTokens SizeGuard = "tokens"
)

// ParseSizeGuard validates a size-guard policy string.
func ParseSizeGuard(s string) (SizeGuard, error) {
	switch SizeGuard(s) {
	case GuardChars, "":
		return GuardChars, nil
	case GuardTokens:
		return GuardTokens, nil
	}
	return "", fmt.Errorf("invalid size-guard policy %q (want chars or tokens)", s)
}

// Config holds all agentrun configuration.
type Config struct {
	// LLM endpoint settings
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`

	// Context window limits
	MaxTextTokens    int `yaml:"max_text_tokens"`
	AvgCharsPerToken int `yaml:"avg_chars_per_token"`

	// Upload limits and polling
	MaxUploadFiles int    `yaml:"max_upload_files"`
	PollInterval   string `yaml:"poll_interval"`
	PollTimeout    string `yaml:"poll_timeout"`

	// Policy knobs
	SizeGuard        string `yaml:"size_guard"`    // chars | tokens
	MissingFiles     string `yaml:"missing_files"` // strict | lenient
	StrictTokenCount bool   `yaml:"strict_token_count"`
}

// DefaultConfig returns the default configuration. The limit constants
// match the historical script defaults: ~1M token context at roughly four
// characters per token, and at most ten uploads per run.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://generativelanguage.googleapis.com/v1beta",
		Model:            "gemini-2.5-flash",
		Timeout:          "5m",
		MaxTextTokens:    1_000_000,
		AvgCharsPerToken: 4,
		MaxUploadFiles:   10,
		PollInterval:     "1s",
		PollTimeout:      "5m",
		SizeGuard:        string(GuardChars),
		MissingFiles:     "strict",
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Credential
// sources are consulted in priority order: an api_key already set (flag or
// config file) wins, then GEMINI_API_KEY, then GOOGLE_API_KEY.
func (c *Config) applyEnvOverrides() {
	if c.APIKey == "" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.APIKey = key
		}
	}
	if c.APIKey == "" {
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			c.APIKey = key
		}
	}
	if url := os.Getenv("AGENTRUN_BASE_URL"); url != "" {
		c.BaseURL = url
	}
	if model := os.Getenv("AGENTRUN_MODEL"); model != "" {
		c.Model = model
	}
}

// Validate checks limits and enumerated policy values.
func (c *Config) Validate() error {
	if c.MaxTextTokens <= 0 {
		return fmt.Errorf("max_text_tokens must be positive, got %d", c.MaxTextTokens)
	}
	if c.AvgCharsPerToken <= 0 {
		return fmt.Errorf("avg_chars_per_token must be positive, got %d", c.AvgCharsPerToken)
	}
	if c.MaxUploadFiles <= 0 {
		return fmt.Errorf("max_upload_files must be positive, got %d", c.MaxUploadFiles)
	}
	if _, err := ParseSizeGuard(c.SizeGuard); err != nil {
		return err
	}
	for _, field := range []struct {
		name, value string
	}{
		{"timeout", c.Timeout},
		{"poll_interval", c.PollInterval},
		{"poll_timeout", c.PollTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	return nil
}

// MaxChars is the local character ceiling used by the chars size guard.
func (c *Config) MaxChars() int {
	return c.MaxTextTokens * c.AvgCharsPerToken
}

// GetTimeout parses the overall operation timeout.
func (c *Config) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 5*time.Minute)
}

// GetPollInterval parses the upload polling interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, time.Second)
}

// GetPollTimeout parses the upload polling deadline.
func (c *Config) GetPollTimeout() time.Duration {
	return parseDurationOr(c.PollTimeout, 5*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
