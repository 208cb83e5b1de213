// ABOUTME: Tests for the loom-gateway CLI
// ABOUTME: Ensures init-generated configs pass config validation

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom-gateway/internal/config"
)

func loadRendered(t *testing.T, a initAnswers) (*config.Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderInitConfig(a)), 0600))
	return config.Load(path)
}

func baseAnswers() initAnswers {
	return initAnswers{
		httpAddr:  "localhost:8080",
		dbPath:    "gateway.db",
		provider:  "mock",
		jwtSecret: "test-secret",
		logLevel:  "info",
		logFormat: "text",
	}
}

func TestRenderInitConfig_MinimalIsValid(t *testing.T) {
	cfg, err := loadRendered(t, baseAnswers())
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "mock", cfg.Engine.Provider)
}

func TestRenderInitConfig_AllAdaptersEnabledIsValid(t *testing.T) {
	a := baseAnswers()
	a.slackEnabled = true
	a.slackBotToken = "xoxb-test"
	a.slackSigningSecret = "sig-secret"
	a.emailEnabled = true
	a.emailDomain = "mg.example.com"
	a.emailAPIKey = "key-test"
	a.emailSigningKey = "signing-test"
	a.emailFrom = "bot@example.com"
	a.telegramEnabled = true
	a.telegramBotToken = "123:token"
	a.telegramWebhookSecret = "hook-secret"

	cfg, err := loadRendered(t, a)
	require.NoError(t, err, "every credential init prompts for must satisfy validation")

	assert.Equal(t, "key-test", cfg.Adapters.Email.APIKey)
	assert.Equal(t, "signing-test", cfg.Adapters.Email.SigningKey)
	assert.Equal(t, "hook-secret", cfg.Adapters.Telegram.WebhookSecret)
}
