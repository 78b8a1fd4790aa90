package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BDNK1/chatflow/cli/internal/config"
	httpplugin "github.com/BDNK1/chatflow/plugins/http"
	"github.com/BDNK1/chatflow/plugins/postgres"
	"github.com/BDNK1/chatflow/plugins/redis"
	"github.com/BDNK1/chatflow/plugins/sqlite"
	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/engine/yaml"
	"github.com/BDNK1/chatflow/runtime/telemetry"
	"github.com/joho/godotenv"
)

// service is everything a command needs once configuration is loaded.
type service struct {
	cfg       *config.ServiceConfig
	l         *slog.Logger
	telemetry *telemetry.Providers
	container *runtime.Container
	store     runtime.Store
	manager   *runtime.Manager
	app       *runtime.App
}

// loadConfig reads .env when present and then the service config.
func loadConfig() (*config.ServiceConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return config.Load(configPath)
}

func newLogger(level string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
}

// newService wires stores, clients and the session manager, initializes every
// component and publishes the flows found in the flows directory.
func newService(ctx context.Context, cfg *config.ServiceConfig) (*service, error) {
	providers, err := telemetry.Setup(ctx, cfg.Telemetry, newLogger(cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	l := providers.Logger
	if len(cfg.UnknownKeys) > 0 {
		l.Warn("Ignoring unknown config keys", "keys", cfg.UnknownKeys)
	}

	s := &service{cfg: cfg, l: l, telemetry: providers, container: runtime.NewContainer()}
	if err := s.wire(ctx); err != nil {
		shutdownErr := s.shutdown(context.WithoutCancel(ctx))
		if shutdownErr != nil {
			l.Error("Shutdown after failed start", "error", shutdownErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *service) wire(ctx context.Context) error {
	cfg := s.cfg

	store, err := s.registerStore()
	if err != nil {
		return err
	}
	s.store = store

	var buffer runtime.PendingBuffer = runtime.NewMemoryPendingBuffer()
	if cfg.Redis.Enabled {
		b := redis.New(cfg.Redis.Config)
		if err := s.container.Register("redis", b); err != nil {
			return err
		}
		buffer = b
	}

	httpClient := httpplugin.NewClient(cfg.HTTP)
	if err := s.container.Register("http", httpClient); err != nil {
		return err
	}

	var sender runtime.Sender = runtime.NewLogSender(s.l)
	if cfg.Webhook.URL != "" {
		sender = httpplugin.NewWebhookSender(cfg.Webhook)
	} else {
		s.l.Warn("No webhook url configured, outbound messages are only logged")
	}

	opts := []runtime.WalkerOption{
		runtime.WithHTTPClient(httpClient),
		runtime.WithExpressionEvaluator(yaml.NewExpressionEvaluator()),
		runtime.WithErrorReporter(runtime.NewLogReporter(s.l)),
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, runtime.WithLanguageModel(httpplugin.NewCompletionClient(cfg.LLM)))
	}

	if err := s.container.Initialize(ctx); err != nil {
		return err
	}

	app, err := runtime.NewApp(cfg.FlowsDir, yaml.NewFlowLoader())
	if err != nil {
		return err
	}
	app.Container = s.container
	if err := app.Publish(ctx, store); err != nil {
		return err
	}
	s.app = app
	s.l.Info("Flows published", "count", len(app.Flows), "dir", cfg.FlowsDir)

	walker := runtime.NewWalker(s.l, cfg.Manager, store, sender, opts...)
	triggers := runtime.NewTriggerResolver(s.l, store, store)
	s.manager = runtime.NewManager(s.l, cfg.Manager, store, walker, triggers, runtime.WithPendingBuffer(buffer))
	return nil
}

func (s *service) registerStore() (runtime.Store, error) {
	var store runtime.Store
	switch s.cfg.Store.Driver {
	case "memory":
		store = runtime.NewMemoryStore()
	case "sqlite":
		store = &sqlite.SQLitePlugin{Config: s.cfg.Store.SQLite}
	case "postgres":
		store = postgres.New(s.l, s.cfg.Store.Postgres)
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.cfg.Store.Driver)
	}
	if err := s.container.Register("store", store); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *service) shutdown(ctx context.Context) error {
	err := s.container.Shutdown(ctx)
	if tErr := s.telemetry.Shutdown(ctx); tErr != nil {
		s.l.Error("Telemetry shutdown failed", "error", tErr)
	}
	return err
}
