package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"
	"stockfeed/internal/infra/alphavantage"
	"stockfeed/internal/infra/storage"
	"stockfeed/internal/infra/wsfeed"
	"stockfeed/internal/infra/yahoo"
	"stockfeed/internal/registry"
	"stockfeed/internal/service"
)

// Bootstrap orchestrates the application startup sequence.
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Registry  *registry.Registry
	Metrics   *infra.Metrics
	Configs   *service.ConfigManager
	Manager   *service.ProviderManager
	Valuation *service.ValuationEngine
	Health    *service.HealthService
	Scheduler *service.SchedulerService
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization and wires every component.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping stockfeed...")

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	b.Registry = registry.New()
	if err := b.registerProviders(); err != nil {
		return err
	}
	slog.Info("✅ Provider registry ready", slog.Any("providers", b.Registry.Providers()))

	b.Metrics = &infra.Metrics{}
	b.Configs = service.NewConfigManager(store, b.Registry, infra.PassthroughDecryptor{}, logger)

	tracker := service.NewHealthTracker()
	b.Manager = service.NewProviderManager(
		b.Configs, b.Registry, store, tracker, b.Metrics,
		service.RoutingStrategy(cfg.Routing.Strategy), logger)

	b.Valuation = service.NewValuationEngine(store, store, store, b.Metrics, logger)
	b.Manager.SetValuation(b.Valuation)

	b.Health = service.NewHealthService(b.Configs, tracker, store, b.Metrics, service.HealthCheckConfig{
		Interval:         time.Duration(cfg.Health.IntervalSec) * time.Second,
		ProbeTimeout:     time.Duration(cfg.Health.ProbeTimeoutSec) * time.Second,
		MaxConcurrent:    cfg.Health.MaxConcurrent,
		LatencyCeilingMS: cfg.Health.LatencyCeilingMS,
	}, logger)

	b.Scheduler = service.NewSchedulerService(b.Manager, store, store, b.Metrics, service.SchedulerConfig{
		Interval:        time.Duration(cfg.Scheduler.IntervalSec) * time.Second,
		InitialDelay:    time.Duration(cfg.Scheduler.InitialDelaySec) * time.Second,
		BulkFetch:       cfg.Scheduler.BulkFetch,
		FallbackSymbols: cfg.FallbackSymbols,
	}, logger)

	return nil
}

func (b *Bootstrap) registerProviders() error {
	if err := b.Registry.Register(alphavantage.Name, alphavantage.New, alphavantage.Capabilities); err != nil {
		return err
	}
	if err := b.Registry.Register(yahoo.Name, yahoo.New, yahoo.Capabilities); err != nil {
		return err
	}
	return b.Registry.Register(wsfeed.Name, wsfeed.New, wsfeed.Capabilities)
}

// SeedProviders creates the configured providers on first start, when the
// configuration store is still empty.
func (b *Bootstrap) SeedProviders(ctx context.Context) {
	existing, err := b.Configs.List(ctx)
	if err != nil {
		slog.Warn("seed: listing configurations failed", slog.Any("error", err))
		return
	}
	if len(existing) > 0 {
		return
	}
	for _, seed := range b.Config.Providers {
		cfg, err := b.Configs.Create(ctx, seed.Provider, seed.DisplayName, seed.Settings, seed.Priority)
		if err != nil {
			slog.Warn("seed: provider configuration rejected",
				slog.String("provider", seed.Provider), slog.Any("error", err))
			continue
		}
		slog.Info("✅ Provider configured",
			slog.String("provider", cfg.Provider), slog.String("config_id", cfg.ID))
	}
}

// StartBackground launches the health check and scheduler loops.
func (b *Bootstrap) StartBackground(ctx context.Context) error {
	if err := b.Health.Start(ctx); err != nil {
		return err
	}
	if err := b.Scheduler.Start(ctx); err != nil {
		b.Health.Stop()
		return err
	}
	return nil
}

// Shutdown stops the background loops and releases every adapter. It returns
// only when nothing is left running.
func (b *Bootstrap) Shutdown() {
	if b.Scheduler != nil {
		if err := b.Scheduler.Stop("shutdown"); err != nil {
			// already stopped is fine during shutdown
			var te *domain.SchedulerTransitionError
			if !errors.As(err, &te) {
				slog.Warn("scheduler stop failed", slog.Any("error", err))
			}
		}
	}
	if b.Health != nil {
		b.Health.Stop()
	}
	if b.Configs != nil {
		b.Configs.Close()
	}
}
