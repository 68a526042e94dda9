// IsoLens host gateway — accepts sample submissions, drives the sandbox
// VM through an analysis run and serves collected reports.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
	"github.com/codeready-toolchain/isolens/pkg/api"
	"github.com/codeready-toolchain/isolens/pkg/cleanup"
	"github.com/codeready-toolchain/isolens/pkg/config"
	"github.com/codeready-toolchain/isolens/pkg/orchestrator"
	"github.com/codeready-toolchain/isolens/pkg/threatintel"
	"github.com/codeready-toolchain/isolens/pkg/vbox"
	"github.com/codeready-toolchain/isolens/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting IsoLens gateway",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Build the agent and VirtualBox clients
	agentClient := agentapi.NewClient(cfg.Agent.BaseURL(), cfg.Agent.RequestTimeout)
	vmClient := vbox.NewClient(cfg.VM.VBoxManage)

	// 3. Orchestrator over the shared folder and report store
	orch, err := orchestrator.New(cfg, agentClient, vmClient)
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}
	slog.Info("Orchestrator initialized",
		"vm", cfg.VM.Name,
		"share", cfg.Paths.ShareDir,
		"reports", cfg.Paths.ReportsDir)

	// 4. Threat analysis pipeline
	chatService := threatintel.NewHTTPChatService(cfg.LLM)
	analyzer := threatintel.NewAnalyzer(cfg.Paths.ReportsDir, chatService)
	slog.Info("Threat analyzer initialized", "model", chatService.Model())

	// 5. Retention sweeper
	retention := cleanup.NewService(cfg.Retention, cfg.Paths.ReportsDir, cfg.Paths.ShareDir)
	retention.Start(ctx)
	defer retention.Stop()

	// 6. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, orch, analyzer)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
