package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quayside/ferry/internal/config"
	"github.com/quayside/ferry/internal/gateway"
	"github.com/quayside/ferry/internal/mcp"
	"github.com/quayside/ferry/internal/metrics"
	"github.com/quayside/ferry/internal/providers"
	"github.com/quayside/ferry/internal/routing"
	"github.com/quayside/ferry/internal/scheduler"
	"github.com/quayside/ferry/internal/sessions"
	"github.com/quayside/ferry/internal/usage"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, configPath, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload configuration on file changes")
	return cmd
}

func defaultConfigPath() string {
	if path := os.Getenv("FERRY_CONFIG"); path != "" {
		return path
	}
	return "ferry.yaml"
}

// loadConfig reads the file when it exists and falls back to defaults
// when it does not, so a bare `ferry serve` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runServe(ctx context.Context, cfg *config.Config, configPath string, watch bool) error {
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providerRegistry, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	sessionStore, usageStore, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = sessionStore.Close()
		_ = usageStore.Close()
	}()

	pool := mcp.NewPool(cfg.Servers)
	defer pool.CloseAll()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ferryMetrics := metrics.New(promRegistry)

	gw := gateway.New(gateway.Options{
		Config:    cfg,
		Providers: providerRegistry,
		Router:    router,
		Sessions:  sessionStore,
		Usage:     usageStore,
		Pool:      pool,
		Metrics:   ferryMetrics,
		Logger:    logger,
	})

	if len(cfg.Jobs) > 0 {
		sched := scheduler.New(ctx, cfg, pool, logger)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				nextRouter, err := buildRouter(next)
				if err != nil {
					logger.Warn("reload skipped, routing invalid", "error", err)
					return
				}
				gw.UpdateConfig(next, nextRouter)
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	server := gateway.NewServer(gw, cfg.Server.Listen, cfg.Server.MetricsPath, metricsHandler, logger)

	logger.Info("ferry starting",
		"version", version,
		"listen", cfg.Server.Listen,
		"providers", providerRegistry.Names(),
		"tool_servers", len(cfg.Servers),
	)
	return server.Start(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	registered := 0

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		registry.Register(p)
		registered++
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		registry.Register(p)
		registered++
	}

	if registered == 0 {
		return nil, fmt.Errorf("no providers configured; set an API key for anthropic or openai")
	}
	return registry, nil
}

func buildRouter(cfg *config.Config) (*routing.Router, error) {
	tierModels := make(map[routing.Tier][]string, len(cfg.Routing.Tiers))
	for name, models := range cfg.Routing.Tiers {
		tier, err := routing.ParseTier(name)
		if err != nil {
			return nil, err
		}
		tierModels[tier] = models
	}
	return routing.NewRouter(routing.DefaultRules(), tierModels)
}

func buildStores(cfg *config.Config) (sessions.Store, usage.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return sessions.NewMemoryStore(), usage.NewMemoryStore(), nil
	case "sqlite":
		sessionStore, err := sessions.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		usageStore, err := usage.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			_ = sessionStore.Close()
			return nil, nil, fmt.Errorf("usage store: %w", err)
		}
		return sessionStore, usageStore, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
