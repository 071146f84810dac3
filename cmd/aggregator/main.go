// main implements the CLI for the MCP aggregator core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpforge/aggregator/internal/customtool"
	"github.com/mcpforge/aggregator/internal/manager"
	"github.com/mcpforge/aggregator/internal/proxy"
)

const (
	exitNormal       = 0
	exitStartupFail  = 1
	exitInvalidConfig = 2
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	configDir := getEnv("XIAOZHI_CONFIG_DIR", ".")
	cfg, err := loadConfig(configDir)
	if err != nil {
		logger.Error("invalid configuration", "error", err, "configDir", configDir)
		return exitInvalidConfig
	}

	customTools := customtool.NewRegistry()
	for _, ct := range cfg.CustomTools {
		if err := customTools.Register(ct); err != nil {
			logger.Error("invalid custom tool entry", "error", err, "tool", ct.Name)
			return exitInvalidConfig
		}
	}

	var px *proxy.ProxyMCPServer
	mgr := manager.New(logger, customTools, func() {
		if px != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			px.NotifyToolsChanged(ctx)
		}
	})

	for _, svc := range cfg.Services {
		if err := mgr.AddServiceConfig(svc); err != nil {
			logger.Error("invalid service configuration", "error", err, "service", svc.Name)
			return exitInvalidConfig
		}
	}

	if cfg.Proxy.Enabled {
		px = proxy.New(cfg.Proxy, mgr, logger)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	failed := mgr.StartAllServices(startCtx)
	startCancel()
	if len(failed) > 0 {
		logger.Warn("some upstream services failed to connect at startup", "services", failed)
	}

	if px != nil {
		if err := px.Start(context.Background()); err != nil {
			logger.Error("failed to start proxy", "error", err)
			return exitStartupFail
		}
	}

	logger.Info("aggregator running", "services", len(cfg.Services), "proxyEnabled", cfg.Proxy.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if px != nil {
		if err := px.Stop(); err != nil {
			logger.Error("error stopping proxy", "error", err)
		}
	}
	mgr.StopAllServices(15 * time.Second)

	return exitNormal
}
