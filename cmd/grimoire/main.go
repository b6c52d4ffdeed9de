package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/engine"
	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/internal/httpapi"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/notify"
	"github.com/glyphware/grimoire/internal/scheduler"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/internal/validation"
	"github.com/glyphware/grimoire/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "grimoire:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store.
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Catalogs.
	toolReg := tools.NewMemoryRegistry()
	for i := range cfg.Tools {
		if err := toolReg.Register(&cfg.Tools[i]); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	adapterReg := adapters.NewRegistry()
	for _, def := range cfg.Adapters {
		webhookURL := ""
		if def.Webhook {
			webhookURL = cfg.BaseURL + "/v1/completions"
		}
		a := adapters.NewHTTPAdapter(adapters.HTTPAdapterConfig{
			Name:         def.Name,
			BaseURL:      def.BaseURL,
			APIKey:       def.apiKey(),
			WebhookURL:   webhookURL,
			SupportsSync: def.SupportsSync,
			SupportsPoll: def.SupportsPoll,
			Timeout:      time.Duration(def.TimeoutSeconds) * time.Second,
		})
		if err := adapterReg.Register(a); err != nil {
			return fmt.Errorf("register adapter: %w", err)
		}
	}

	spellbook := engine.NewSpellbook()
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	for i := range cfg.Spells {
		sp := &cfg.Spells[i]
		if err := validator.ValidateSpell(sp); err != nil {
			return fmt.Errorf("spell %s: %w", sp.ID, err)
		}
		if err := spellbook.Register(sp); err != nil {
			return fmt.Errorf("register spell: %w", err)
		}
	}

	// Notification layer.
	hub := notify.NewMemoryHub()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("build CEL engine: %w", err)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Store:   st,
		Hub:     hub,
		CEL:     cel,
		Filters: cfg.NotificationFilters,
		Logger:  logger,
	})
	ws := notify.NewWebSocketNotifier()
	dispatcher.Register(ws)
	dispatcher.Register(notify.NewWebhookNotifier(cfg.WebhookSecret))
	if cfg.SlackBotToken != "" {
		dispatcher.Register(notify.NewSlackNotifier(cfg.SlackBotToken))
	}

	// Engine.
	service := engine.NewService(engine.ServiceConfig{
		Store:        st,
		Spells:       spellbook,
		Tools:        toolReg,
		Adapters:     adapterReg,
		Validator:    validator,
		Notifier:     dispatcher,
		Logger:       logger,
		PollInterval: cfg.pollInterval(),
		MaxJobWait:   cfg.maxJobWait(),
	})
	service.Start(ctx)
	defer service.Stop()

	sched := scheduler.NewScheduler(st, service, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// MCP transport (optional). The agent notifier shares the MCP server's
	// session registry so results flow back to the casting session.
	if cfg.MCP {
		mcpSrv := mcp.NewGrimoireServer(mcp.GrimoireServerDeps{
			Service: service,
			Store:   st,
			Tools:   toolReg,
			Logger:  logger,
		})
		dispatcher.Register(mcp.NewAgentNotifier(mcpSrv.MCPServer(), mcpSrv.Sessions()))
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP server exited", slog.String("error", err.Error()))
			}
		}()
	}

	// HTTP API.
	api := httpapi.NewServer(httpapi.Deps{
		Store:        st,
		Service:      service,
		Hub:          hub,
		WS:           ws,
		Scheduler:    sched,
		InboundToken: cfg.InboundToken,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grimoire listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}

	// Let in-flight notification deliveries settle before closing the store.
	dispatcher.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
