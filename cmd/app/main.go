package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stockfeed/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	configPath := os.Getenv("STOCKFEED_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. First-start provider seeding
	bootstrap.SeedProviders(ctx)

	// 5. Background loops: health checks + scheduled refresh
	if err := bootstrap.StartBackground(ctx); err != nil {
		slog.Error("❌ Starting background services failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.InfoContext(ctx, "✅ stockfeed running",
		slog.String("strategy", bootstrap.Config.Routing.Strategy),
		slog.Int("providers", len(bootstrap.Config.Providers)))

	<-ctx.Done()

	slog.Info("Shutting down...")
	bootstrap.Shutdown()
	slog.Info("Bye")
}
