// ABOUTME: Entry point for loom-gateway routing server
// ABOUTME: Routes conversational messages between channel adapters and the engine

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/loomworks/loom-gateway/internal/auth"
	"github.com/loomworks/loom-gateway/internal/config"
	"github.com/loomworks/loom-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                             _
| | ___   ___  _ __ ___        __ _  __ _| |_ _____      ____ _ _   _
| |/ _ \ / _ \| '_ ' _ \ _____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | (_) | (_) | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|\___/ \___/|_| |_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: LOOM_CONFIG env var > XDG_CONFIG_HOME/loom/gateway.yaml > ~/.config/loom/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "loom", "gateway.yaml")
}

// getDataPath returns the path to the loom data directory.
// Priority: XDG_DATA_HOME/loom > ~/.local/share/loom
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "loom")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: loom-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  token --subject NAME   Generate an API bearer token")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  adapters               Show registered adapters")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "adapters":
		err = runAdapters(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Engine:   %s\n", cfg.Engine.Provider)

	var enabled []string
	if cfg.Adapters.Slack.Enabled {
		enabled = append(enabled, "slack")
	}
	if cfg.Adapters.Email.Enabled {
		enabled = append(enabled, "email")
	}
	if cfg.Adapters.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	green.Print("    ▶ ")
	fmt.Printf("Adapters: ")
	if len(enabled) == 0 {
		yellow.Print("none")
	} else {
		cyan.Print(strings.Join(enabled, ", "))
	}
	fmt.Println()

	if cfg.Tasks.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tasks:    enabled (poll %s)\n", cfg.Tasks.PollInterval)
	}

	fmt.Println()

	logger.Info("starting loom-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"engine", cfg.Engine.Provider,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAdapters(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to ready endpoint with context
	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("adapters check failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runToken generates an API bearer token signed with the configured JWT secret.
// Usage: loom-gateway token --subject "Your Name" [--ttl 720h]
func runToken() error {
	// Parse args with explicit error handling
	// Supports both "--subject value" and "--subject=value" formats
	var subject string
	ttl := 30 * 24 * time.Hour
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("--subject flag is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for token generation)", configPath)
	}

	verifier := auth.New([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Token for %s (expires %s)\n\n", subject, expiresAt.Format("Jan 02, 2006"))
	fmt.Println(token)

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("loom-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Engine
	fmt.Println("\n--- Engine Configuration ---")
	provider := prompt(reader, "Engine provider (anthropic/mock)", "anthropic")
	var apiKey, model string
	if provider == "anthropic" {
		apiKey = prompt(reader, "Anthropic API key (leave empty to use ANTHROPIC_API_KEY)", "")
		model = prompt(reader, "Model", "claude-sonnet-4-5")
	}

	// Adapters. Every credential the validator requires for an enabled
	// adapter is prompted for here so an init-generated config passes the
	// next serve's validation.
	fmt.Println("\n--- Adapter Configuration ---")
	a := initAnswers{httpAddr: httpAddr, dbPath: dbPath, provider: provider, apiKey: apiKey, model: model}

	slackStr := prompt(reader, "Enable Slack adapter?", "no")
	a.slackEnabled = strings.ToLower(slackStr) == "yes" || strings.ToLower(slackStr) == "y"
	if a.slackEnabled {
		a.slackBotToken = prompt(reader, "Slack bot token", "")
		a.slackSigningSecret = prompt(reader, "Slack signing secret", "")
	}

	emailStr := prompt(reader, "Enable email adapter?", "no")
	a.emailEnabled = strings.ToLower(emailStr) == "yes" || strings.ToLower(emailStr) == "y"
	if a.emailEnabled {
		a.emailDomain = prompt(reader, "Mailgun domain", "")
		a.emailAPIKey = prompt(reader, "Mailgun API key", "")
		a.emailSigningKey = prompt(reader, "Mailgun webhook signing key", "")
		a.emailFrom = prompt(reader, "From address", "")
	}

	telegramStr := prompt(reader, "Enable Telegram adapter?", "no")
	a.telegramEnabled = strings.ToLower(telegramStr) == "yes" || strings.ToLower(telegramStr) == "y"
	if a.telegramEnabled {
		a.telegramBotToken = prompt(reader, "Telegram bot token", "")
		a.telegramWebhookSecret = prompt(reader, "Telegram webhook secret", "")
	}

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	a.jwtSecret = prompt(reader, "JWT secret (leave empty to generate)", "")
	if a.jwtSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		a.jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
		fmt.Println("  (generated)")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, "Log format (text/json)", "text")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(renderInitConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  loom-gateway serve\n")

	return nil
}

// initAnswers collects everything runInit asks for.
type initAnswers struct {
	httpAddr string
	dbPath   string

	provider string
	apiKey   string
	model    string

	slackEnabled       bool
	slackBotToken      string
	slackSigningSecret string

	emailEnabled    bool
	emailDomain     string
	emailAPIKey     string
	emailSigningKey string
	emailFrom       string

	telegramEnabled       bool
	telegramBotToken      string
	telegramWebhookSecret string

	jwtSecret string
	logLevel  string
	logFormat string
}

// renderInitConfig produces the YAML config file for the collected answers.
func renderInitConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# loom-gateway configuration\n")
	cfg.WriteString("# Generated by loom-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", a.httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", a.dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("engine:\n")
	cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", a.provider))
	if a.apiKey != "" {
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", a.apiKey))
	}
	if a.model != "" {
		cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", a.model))
	}
	cfg.WriteString("\n")

	cfg.WriteString("adapters:\n")
	cfg.WriteString("  slack:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.slackEnabled))
	if a.slackEnabled {
		cfg.WriteString(fmt.Sprintf("    bot_token: \"%s\"\n", a.slackBotToken))
		cfg.WriteString(fmt.Sprintf("    signing_secret: \"%s\"\n", a.slackSigningSecret))
	}
	cfg.WriteString("  email:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.emailEnabled))
	if a.emailEnabled {
		cfg.WriteString(fmt.Sprintf("    domain: \"%s\"\n", a.emailDomain))
		cfg.WriteString(fmt.Sprintf("    api_key: \"%s\"\n", a.emailAPIKey))
		cfg.WriteString(fmt.Sprintf("    signing_key: \"%s\"\n", a.emailSigningKey))
		cfg.WriteString(fmt.Sprintf("    from: \"%s\"\n", a.emailFrom))
	}
	cfg.WriteString("  telegram:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.telegramEnabled))
	if a.telegramEnabled {
		cfg.WriteString(fmt.Sprintf("    bot_token: \"%s\"\n", a.telegramBotToken))
		cfg.WriteString(fmt.Sprintf("    webhook_secret: \"%s\"\n", a.telegramWebhookSecret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", a.jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("tasks:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  poll_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", a.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", a.logFormat))

	return cfg.String()
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
