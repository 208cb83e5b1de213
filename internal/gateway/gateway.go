// ABOUTME: Gateway orchestrator: wires store, adapters, engine, router, and HTTP server
// ABOUTME: Owns startup, webhook and API route registration, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/loomworks/loom-gateway/internal/adapter/email"
	"github.com/loomworks/loom-gateway/internal/adapter/slack"
	"github.com/loomworks/loom-gateway/internal/adapter/telegram"
	"github.com/loomworks/loom-gateway/internal/auth"
	"github.com/loomworks/loom-gateway/internal/config"
	"github.com/loomworks/loom-gateway/internal/conversation"
	"github.com/loomworks/loom-gateway/internal/dedupe"
	"github.com/loomworks/loom-gateway/internal/engine"
	"github.com/loomworks/loom-gateway/internal/manager"
	"github.com/loomworks/loom-gateway/internal/router"
	"github.com/loomworks/loom-gateway/internal/store"
	"github.com/loomworks/loom-gateway/internal/tasks"
)

// Gateway orchestrates the loom-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	conv        *conversation.Service
	broadcaster *conversation.Broadcaster
	manager     *manager.Manager
	engine      engine.Engine
	scheduler   *tasks.Scheduler
	dedupe      *dedupe.Cache
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates the store from config, honoring LOOM_DB_PATH for tests
// and container overrides.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LOOM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildEngine selects the engine implementation from config.
func buildEngine(cfg *config.Config, logger *slog.Logger) engine.Engine {
	switch cfg.Engine.Provider {
	case "anthropic":
		return engine.NewAnthropicEngine(cfg.Engine.APIKey, cfg.Engine.Model, cfg.Engine.MaxTokens)
	default:
		logger.Warn("using mock engine - configure engine.provider for real responses")
		return engine.NewMockEngine()
	}
}

// registerAdapters constructs every enabled adapter and registers it.
func registerAdapters(cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) error {
	if cfg.Adapters.Slack.Enabled {
		mgr.Register(slack.New(cfg.Adapters.Slack.BotToken, cfg.Adapters.Slack.SigningSecret))
	}
	if cfg.Adapters.Email.Enabled {
		e := cfg.Adapters.Email
		mgr.Register(email.New(e.Domain, e.APIKey, e.SigningKey, e.From, e.BaseURL))
	}
	if cfg.Adapters.Telegram.Enabled {
		tg, err := telegram.New(cfg.Adapters.Telegram.BotToken, cfg.Adapters.Telegram.WebhookSecret)
		if err != nil {
			return fmt.Errorf("creating telegram adapter: %w", err)
		}
		mgr.Register(tg)
	}
	if len(mgr.Adapters()) == 0 {
		logger.Warn("no adapters enabled - gateway will only serve the management API")
	}
	return nil
}

// New creates a Gateway with all components wired from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := conversation.NewBroadcaster(logger)
	convService := conversation.New(s, broadcaster, logger)
	eng := buildEngine(cfg, logger)
	rt := router.New(eng, convService, logger)
	dedupeCache := dedupe.New(5*time.Minute, 100_000)
	mgr := manager.New(convService, rt, dedupeCache, logger)

	if err := registerAdapters(cfg, mgr, logger); err != nil {
		_ = s.Close()
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		store:       s,
		conv:        convService,
		broadcaster: broadcaster,
		manager:     mgr,
		engine:      eng,
		dedupe:      dedupeCache,
		logger:      logger.With("component", "gateway"),
	}

	if cfg.Tasks.Enabled {
		executor := tasks.NewExecutor(convService, mgr, rt, logger)
		g.scheduler = tasks.NewScheduler(s, executor, cfg.Tasks.PollInterval, logger)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Webhook endpoints authenticate per adapter, not with JWT
	mux.HandleFunc("POST /hooks/{adapter}", g.handleHook)
	mux.HandleFunc("POST /hooks/{adapter}/interactive", g.handleInteractionHook)

	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerAPIRoutes registers the management API, behind JWT auth when a
// secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		middleware := auth.Middleware(auth.New([]byte(g.config.Auth.JWTSecret)))
		wrap = func(h http.HandlerFunc) http.Handler { return middleware(h) }
		g.logger.Info("management API auth enabled")
	} else {
		g.logger.Warn("management API auth disabled - no jwt_secret configured")
	}

	mux.Handle("POST /api/send", wrap(g.handleSend))
	mux.Handle("GET /api/adapters", wrap(g.handleListAdapters))
	mux.Handle("GET /api/conversations", wrap(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}/messages", wrap(g.handleConversationMessages))
	mux.Handle("GET /api/conversations/{id}/events", wrap(g.handleConversationEvents))
	mux.Handle("POST /api/tasks", wrap(g.handleCreateTask))
	mux.Handle("GET /api/tasks", wrap(g.handleListTasks))
	mux.Handle("GET /api/tasks/{id}", wrap(g.handleGetTask))
	mux.Handle("DELETE /api/tasks/{id}", wrap(g.handleDeleteTask))
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.scheduler != nil {
		g.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown shuts down with a fresh context; the run context is
// already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.scheduler != nil {
		g.scheduler.Stop()
	}
	g.broadcaster.Close()
	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one adapter is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	adapters := g.manager.Adapters()
	if len(adapters) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no adapters registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d adapters)", len(adapters))
}
