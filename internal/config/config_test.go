// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, validation, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "15s"

database:
  path: "./test.db"

engine:
  provider: mock

adapters:
  slack:
    enabled: true
    bot_token: "xoxb-test"
    signing_secret: "shhh"
  telegram:
    enabled: true
    bot_token: "123:abc"
    webhook_secret: "hook-secret"

tasks:
  enabled: true
  poll_interval: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr mismatch: got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout mismatch: got %v", cfg.Server.ShutdownTimeout)
	}
	if !cfg.Adapters.Slack.Enabled || cfg.Adapters.Slack.BotToken != "xoxb-test" {
		t.Errorf("slack config mismatch: %+v", cfg.Adapters.Slack)
	}
	if cfg.Tasks.PollInterval != time.Minute {
		t.Errorf("PollInterval mismatch: got %v", cfg.Tasks.PollInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level mismatch: got %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SLACK_TOKEN", "xoxb-from-env")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
adapters:
  slack:
    enabled: true
    bot_token: "${TEST_SLACK_TOKEN}"
    signing_secret: "secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapters.Slack.BotToken != "xoxb-from-env" {
		t.Errorf("expected env-expanded token, got %q", cfg.Adapters.Slack.BotToken)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
  shutdown_timeout: "not-a-duration"
database:
  path: "./test.db"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "shutdown_timeout") {
		t.Errorf("expected shutdown_timeout parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http_addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "anthropic without api key",
			mutate:  func(c *Config) { c.Engine.Provider = "anthropic" },
			wantErr: "engine.api_key",
		},
		{
			name:    "unknown engine provider",
			mutate:  func(c *Config) { c.Engine.Provider = "gpt9" },
			wantErr: "engine.provider",
		},
		{
			name: "slack enabled without signing secret",
			mutate: func(c *Config) {
				c.Adapters.Slack = SlackConfig{Enabled: true, BotToken: "xoxb"}
			},
			wantErr: "signing_secret",
		},
		{
			name: "email enabled without domain",
			mutate: func(c *Config) {
				c.Adapters.Email = EmailConfig{Enabled: true, APIKey: "key", SigningKey: "sk", From: "bot@example.com"}
			},
			wantErr: "adapters.email.domain",
		},
		{
			name: "telegram enabled without webhook secret",
			mutate: func(c *Config) {
				c.Adapters.Telegram = TelegramConfig{Enabled: true, BotToken: "123:abc"}
			},
			wantErr: "webhook_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{HTTPAddr: ":8080"},
				Database: DatabaseConfig{Path: "./db.sqlite"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}
