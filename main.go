package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btc-signal-engine/config"
	"btc-signal-engine/internal/analysis"
	"btc-signal-engine/internal/api"
	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/coordinator"
	"btc-signal-engine/internal/history"
	"btc-signal-engine/internal/logging"
	"btc-signal-engine/internal/warnings"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Logging initialized")

	// Initialize the cache gateway. Mock mode swaps Redis for the in-memory
	// gateway, the same way the exchange client is mocked for dry runs.
	var gateway cache.Gateway
	var closeGateway func() error
	if cfg.RedisConfig.MockMode {
		gateway = cache.NewMemoryGateway()
		logger.Info().Msg("Mock mode: using in-memory cache gateway")
	} else {
		redisGW := cache.NewRedisGateway(cfg.RedisConfig, cfg.AnalysisConfig.MaxCacheAttempts, logger)
		gateway = redisGW
		closeGateway = redisGW.Close
	}

	// Wire the warning sink through the gateway's warning hook. The sink
	// persists via the quiet view so its own writes never warn.
	sink := warnings.NewSink(gateway.WarningStore(), logger)
	gateway.SetWarningHandler(sink.Record)

	// Initialize the analysis components
	store := history.NewStore(gateway, sink, cfg.AnalysisConfig.MaxHistory, logger)
	swings := analysis.NewSwingDetector(analysis.SwingMode(cfg.AnalysisConfig.SwingMode), cfg.AnalysisConfig.MinSwingRange)
	fib := analysis.NewEngine(
		gateway, sink,
		cfg.AnalysisConfig.MinSwingRange,
		cfg.AnalysisConfig.AlignmentTolerancePct,
		time.Duration(cfg.AnalysisConfig.StalenessMaxSeconds)*time.Second,
		logger,
	)
	classifier := analysis.NewClassifier(store, gateway, sink, logger)

	runner := coordinator.NewRunner(cfg.AnalysisConfig, gateway, sink, store, swings, fib, classifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	// Start the operational API if enabled
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, gateway, classifier, runner, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("API server exited")
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	runner.Stop()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown failed")
		}
	}

	if closeGateway != nil {
		if err := closeGateway(); err != nil {
			logger.Error().Err(err).Msg("Cache gateway close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
}
