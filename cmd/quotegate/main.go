package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	redisAdapter "github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/internal/adapters/telegram"
	"github.com/stablepay-ng/quotegate/internal/api"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotecache"
	"github.com/stablepay-ng/quotegate/internal/quotes"
	"github.com/stablepay-ng/quotegate/internal/rates"
	"github.com/stablepay-ng/quotegate/internal/workers"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/worker"
)

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// Run application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load configuration and initialize logger
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Quote gateway starting...",
		zap.Strings("tokens", cfg.Refresh.Tokens),
		zap.Strings("fiats", cfg.Refresh.Fiats),
		zap.Int64("monthly_limit", cfg.Quota.MonthlyLimit),
	)

	// Initialize the durable counter store
	redisClient, err := initRedis(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Upstream provider and the symbol→ID reference
	upstream := provider.NewClient(&cfg.Provider)
	registry := initRegistry(ctx, cfg, upstream, redisClient)

	substitutions, err := initSubstitutions(cfg)
	if err != nil {
		return err
	}

	// Quota accounting, quote cache, and the fetch path on top of them
	tracker := quota.NewTracker(redisClient, &cfg.Quota)
	cache := quotecache.New(redisClient)
	fetcher := quotes.NewFetcher(upstream, tracker, registry, substitutions, cfg.Provider.DefaultCurrency)

	hub := api.NewHub()
	service := quotes.NewService(cache, fetcher, tracker, cfg.Cache.QuoteTTL, hub)

	// Start scheduled refresh
	refreshWorker := startRefreshWorker(ctx, cfg, tracker, cache, fetcher, redisClient, hub)

	// Start API server
	apiServer := startAPIServer(cfg, service, redisClient, hub)

	// Wait for shutdown signal
	<-ctx.Done()

	// Perform graceful shutdown
	return performGracefulShutdown(apiServer, refreshWorker, redisClient)
}

// initConfig loads configuration and initializes logger
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// initRedis initializes Redis client with Redlock support
func initRedis(cfg *config.Config) (*redisAdapter.Client, error) {
	redisClient, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Test connection
	if err := redisClient.Health(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("redis health check failed: %w", err)
	}

	logger.Info("redis connection established (redlock)",
		zap.String("host", cfg.Redis.Host),
		zap.Int("port", cfg.Redis.Port),
	)

	return redisClient, nil
}

// initRegistry warms the currency reference. A failed warmup is not fatal:
// the registry resolves lazily on first use.
func initRegistry(ctx context.Context, cfg *config.Config, upstream provider.Provider, redisClient *redisAdapter.Client) *rates.Registry {
	registry := rates.NewRegistry(upstream, redisClient, cfg.Cache.ReferenceTTL)

	if err := registry.Warmup(ctx); err != nil {
		logger.Warn("⚠️ currency reference warmup failed, will resolve lazily", zap.Error(err))
	} else {
		logger.Info("✅ currency reference loaded",
			zap.Int("currencies", registry.Len()),
			zap.String("provider", upstream.GetName()),
		)
	}

	return registry
}

// initSubstitutions parses the configured fiat substitution table
func initSubstitutions(cfg *config.Config) (*rates.SubstitutionTable, error) {
	rules, err := cfg.Rates.ParseSubstitutionRules()
	if err != nil {
		return nil, fmt.Errorf("failed to parse substitution rules: %w", err)
	}

	table := rates.NewSubstitutionTable(rules)
	if table.Len() > 0 {
		logger.Info("fiat substitution table loaded", zap.Int("rules", table.Len()))
	}

	return table, nil
}

// initTelegramAlerter initializes quota alert delivery; nil when disabled
func initTelegramAlerter(cfg *config.Config) workers.Alerter {
	if cfg.Telegram.BotToken == "" {
		logger.Info("telegram alerts disabled (no token provided)")
		return nil
	}

	notifier, err := telegram.NewNotifier(&cfg.Telegram)
	if err != nil {
		logger.Warn("failed to initialize telegram notifier", zap.Error(err))
		return nil
	}

	logger.Info("📱 Telegram quota alerts enabled")
	return notifier
}

// startRefreshWorker wires the scheduled refresh and runs it in the background
func startRefreshWorker(
	ctx context.Context,
	cfg *config.Config,
	tracker *quota.Tracker,
	cache *quotecache.Cache,
	fetcher *quotes.Fetcher,
	redisClient *redisAdapter.Client,
	hub *api.Hub,
) *worker.PeriodicWorker {
	// Single replica runs without the distributed lock
	var lockFactory redisAdapter.LockFactory
	if cfg.Refresh.LockEnabled {
		lockFactory = redisClient.LockFactory()
		logger.Info("refresh run lock enabled (redlock)")
	} else {
		lockFactory = redisAdapter.NewMockLockFactory()
	}

	alerter := initTelegramAlerter(cfg)

	refreshWorker := workers.NewRefreshWorker(cfg, tracker, cache, fetcher, redisClient, lockFactory, alerter, hub)
	runner := worker.RunBackground(ctx, refreshWorker, cfg.Refresh.Interval)

	logger.Info("scheduled refresh started",
		zap.Duration("interval", cfg.Refresh.Interval),
		zap.Int("pairs", len(cfg.Refresh.Tokens)*len(cfg.Refresh.Fiats)),
	)

	return runner
}

// startAPIServer starts the HTTP API and marks the service as ready
func startAPIServer(cfg *config.Config, service *quotes.Service, redisClient *redisAdapter.Client, hub *api.Hub) *api.Server {
	apiServer := api.NewServer(&cfg.Server, service, redisClient, hub)

	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	logger.Info("🚀 Quote gateway ready",
		zap.String("port", cfg.Server.Port),
	)

	// Mark service as ready after initialization
	apiServer.SetReady(true)

	return apiServer
}

// performGracefulShutdown handles graceful shutdown of all components
func performGracefulShutdown(apiServer *api.Server, refreshWorker *worker.PeriodicWorker, redisClient *redisAdapter.Client) error {
	logger.Info("🛑 Shutdown signal received, starting graceful shutdown...")

	// Mark service as not ready (stop accepting new traffic)
	apiServer.SetReady(false)

	// Create shutdown context with timeout (K8s gives 30s terminationGracePeriodSeconds)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	// Let an in-flight refresh run finish
	logger.Info("stopping refresh worker...")
	refreshWorker.Stop(10 * time.Second)

	// Stop API server
	logger.Info("stopping API server...")
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API server stop error", zap.Error(err))
	}

	// Close redis connection
	logger.Info("closing redis connection...")
	if err := redisClient.Close(); err != nil {
		logger.Error("redis close error", zap.Error(err))
	}

	// Sync logger
	logger.Sync()

	// Check if shutdown completed in time
	select {
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("✅ shutdown completed successfully")
	}

	return nil
}
