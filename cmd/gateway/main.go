package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/push-gateway/internal/config"
	"github.com/SkynetNext/push-gateway/internal/gateway"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/tracing"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Configuration file path (empty for defaults)")
	reloadInterval := flag.Duration("reload-interval", 10*time.Second, "Configuration file poll interval (0 disables hot reload)")
	flag.Parse()

	// LOG_LEVEL: debug, info, warn, error
	if err := logger.Init(os.Getenv("LOG_LEVEL")); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(*configPath, *reloadInterval); err != nil {
		logger.L.Fatal("Push Gateway failed", zap.Error(err))
	}
}

func run(configPath string, reloadInterval time.Duration) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
	}

	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		if err := tracing.Init("push-gateway", version, endpoint); err != nil {
			logger.L.Warn("Tracing disabled", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", endpoint))
		}
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if configPath != "" && reloadInterval > 0 {
		reloader := config.NewHotReloadManager(cfg, gw.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, reloadInterval); err != nil && ctx.Err() == nil {
				logger.L.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Push Gateway started",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("listen_addr", cfg.Server.ListenAddr),
	)

	<-ctx.Done()
	stop()
	logger.L.Info("Received stop signal, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gw.GetConfig().GracefulShutdownTimeout)
	defer cancel()

	err = gw.Shutdown(shutdownCtx)
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		logger.L.Warn("Tracing shutdown failed", zap.Error(terr))
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.L.Info("Push Gateway closed")
	return nil
}
