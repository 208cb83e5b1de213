// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Adapters AdaptersConfig `yaml:"adapters"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the management API.
// When JWTSecret is empty the management API is served unauthenticated,
// which is only appropriate for local development.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EngineConfig selects and configures the agent engine
type EngineConfig struct {
	// Provider is "anthropic" or "mock"
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AdaptersConfig holds configuration for all platform adapters
type AdaptersConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Email    EmailConfig    `yaml:"email"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// SlackConfig holds Slack adapter configuration
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
}

// EmailConfig holds Mailgun email adapter configuration
type EmailConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Domain     string `yaml:"domain"`
	APIKey     string `yaml:"api_key"`
	SigningKey string `yaml:"signing_key"`
	From       string `yaml:"from"`
	BaseURL    string `yaml:"base_url"`
}

// TelegramConfig holds Telegram adapter configuration
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// TasksConfig holds background task scheduler configuration
type TasksConfig struct {
	Enabled bool `yaml:"enabled"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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

	switch c.Engine.Provider {
	case "", "mock":
		// mock needs no credentials
	case "anthropic":
		if c.Engine.APIKey == "" {
			return fmt.Errorf("engine.api_key is required when engine.provider is anthropic")
		}
	default:
		return fmt.Errorf("engine.provider must be \"anthropic\" or \"mock\", got %q", c.Engine.Provider)
	}

	if c.Adapters.Slack.Enabled {
		if c.Adapters.Slack.BotToken == "" {
			return fmt.Errorf("adapters.slack.bot_token is required when slack is enabled")
		}
		if c.Adapters.Slack.SigningSecret == "" {
			return fmt.Errorf("adapters.slack.signing_secret is required when slack is enabled")
		}
	}

	if c.Adapters.Email.Enabled {
		if c.Adapters.Email.Domain == "" {
			return fmt.Errorf("adapters.email.domain is required when email is enabled")
		}
		if c.Adapters.Email.APIKey == "" {
			return fmt.Errorf("adapters.email.api_key is required when email is enabled")
		}
		if c.Adapters.Email.SigningKey == "" {
			return fmt.Errorf("adapters.email.signing_key is required when email is enabled")
		}
		if c.Adapters.Email.From == "" {
			return fmt.Errorf("adapters.email.from is required when email is enabled")
		}
	}

	if c.Adapters.Telegram.Enabled {
		if c.Adapters.Telegram.BotToken == "" {
			return fmt.Errorf("adapters.telegram.bot_token is required when telegram is enabled")
		}
		if c.Adapters.Telegram.WebhookSecret == "" {
			return fmt.Errorf("adapters.telegram.webhook_secret is required when telegram is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Tasks.PollIntervalRaw != "" {
		cfg.Tasks.PollInterval, err = time.ParseDuration(cfg.Tasks.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Tasks.PollIntervalRaw, err)
		}
	}

	return nil
}
