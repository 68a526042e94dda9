// IsoLens guest agent — runs inside the sandbox VM, executes submitted
// samples and packages the collected artifacts onto the shared folder.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/guest"
	"github.com/codeready-toolchain/isolens/pkg/guest/collector"
	"github.com/codeready-toolchain/isolens/pkg/version"
)

func main() {
	host := flag.String("host", "0.0.0.0", "Bind address")
	port := flag.Int("port", 9090, "Bind port")
	share := flag.String("share", `\\VBOXSVR\SandboxShare`,
		"VirtualBox shared folder path")
	workdir := flag.String("workdir", `C:\IsoLens`, "Local working directory")
	flag.Parse()

	// The shared folder must be mounted before the agent is useful.
	if info, err := os.Stat(*share); err != nil || !info.IsDir() {
		slog.Error("Shared folder not accessible", "path", *share)
		slog.Error("Ensure VirtualBox shared folders are configured and auto-mounted")
		os.Exit(1)
	}

	agent, err := guest.NewAgent(*share, *workdir, collector.ExecRunner{})
	if err != nil {
		slog.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}
	server := guest.NewServer(agent)

	slog.Info("IsoLens agent starting",
		"version", version.AgentVersion,
		"addr", fmt.Sprintf("%s:%d", *host, *port),
		"share", *share,
		"workdir", *workdir)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(fmt.Sprintf("%s:%d", *host, *port)); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-server.ShutdownRequested():
		slog.Info("Shutdown requested over the API")
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("Agent server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
