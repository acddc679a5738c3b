package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsflow-io/opsflow/internal/dispatch"
	"github.com/opsflow-io/opsflow/internal/engine"
	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/internal/logging"
	"github.com/opsflow-io/opsflow/internal/notify"
	"github.com/opsflow-io/opsflow/internal/panel"
	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/internal/triggers"
	"github.com/opsflow-io/opsflow/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "opsflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	notifier := notify.NewRouter(logger)
	if err := notifier.Register(notify.NewLogNotifier(logger)); err != nil {
		return err
	}
	if cfg.WebhookURL != "" {
		if err := notifier.Register(notify.NewWebhookNotifier(notify.WebhookConfig{URL: cfg.WebhookURL})); err != nil {
			return err
		}
	}

	hub := streaming.NewMemoryHub()
	metrics, err := streaming.NewMetricCache(ctx, hub)
	if err != nil {
		return err
	}
	defer metrics.Close()

	eng, err := engine.NewEngine(st, registry, notifier, hub, engine.Config{
		PoolSize:        cfg.PoolSize,
		DeadlineSlack:   cfg.DeadlineSlack,
		ApprovalTimeout: duration(cfg.ApprovalTimeout, engine.DefaultApprovalTimeout),
	}, logger)
	if err != nil {
		return err
	}
	eng.Start(ctx)

	tm := triggers.NewManager(eng, hub, metrics, st, triggers.Config{
		EvalInterval: duration(cfg.TriggerInterval, triggers.DefaultEvalInterval),
	}, logger)
	if err := rebindTriggers(ctx, st, tm, logger); err != nil {
		return err
	}

	// Pick up runs interrupted by the previous process before accepting new
	// work from triggers or the API.
	if err := eng.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
	}
	if err := tm.Start(ctx); err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.New(cel, expressions.NewGoJQEngine())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: panel.NewServer(panel.Deps{
			Store:     st,
			Engine:    eng,
			Approvals: eng.Approvals(),
			Validator: validator,
			Triggers:  tm,
			Hub:       hub,
			Logger:    logger,
		}).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("opsflow listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	tm.Stop()
	eng.Shutdown()
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

func openStore(cfg Config) (store.Store, error) {
	if cfg.DBPath == "memory" {
		return store.NewMemStore(), nil
	}
	if err := os.MkdirAll(opsflowDir(), 0o755); err != nil {
		return nil, err
	}
	return store.NewLibSQLStore(cfg.DBPath)
}

func buildRegistry(ctx context.Context, cfg Config) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()
	for name, ac := range cfg.Agents {
		d, err := buildDispatcher(ctx, ac)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}
		if err := registry.Register(name, d); err != nil {
			return nil, err
		}
		if name == cfg.DefaultAgent {
			registry.SetFallback(d)
		}
	}
	return registry, nil
}

func buildDispatcher(ctx context.Context, ac AgentConfig) (dispatch.Dispatcher, error) {
	switch ac.Type {
	case "http", "":
		if ac.BaseURL == "" {
			return nil, fmt.Errorf("http agent needs a base_url")
		}
		return dispatch.NewHTTPDispatcher(dispatch.HTTPConfig{
			BaseURL: ac.BaseURL,
			Headers: ac.Headers,
			Timeout: time.Duration(ac.TimeoutMs) * time.Millisecond,
		}), nil
	case "mcp":
		if ac.Command == "" {
			return nil, fmt.Errorf("mcp agent needs a command")
		}
		return dispatch.NewStdioMCPDispatcher(ctx, ac.Command, ac.Env, ac.Args...)
	default:
		return nil, fmt.Errorf("unknown agent type %q", ac.Type)
	}
}

// rebindTriggers re-registers the latest version of every stored definition so
// schedules and thresholds survive a restart.
func rebindTriggers(ctx context.Context, st store.Store, tm *triggers.Manager, logger *slog.Logger) error {
	defs, err := st.ListDefinitions(ctx, store.DefinitionFilter{})
	if err != nil {
		return err
	}

	latest := make(map[string]*store.Definition)
	for _, def := range defs {
		if cur, ok := latest[def.ID]; !ok || def.Version > cur.Version {
			latest[def.ID] = def
		}
	}
	for _, def := range latest {
		if err := tm.Register(&def.Definition); err != nil {
			logger.Warn("skipping triggers for stored definition",
				"definition_id", def.ID, "version", def.Version, "error", err)
		}
	}
	return nil
}
