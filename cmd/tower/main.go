// Command tower runs the Tower daemon: an HTTP/WebSocket control plane for
// PTY-backed terminal sessions across a set of local workspace roots.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cluesmith/tower/internal/bootstrap"
	"github.com/cluesmith/tower/internal/config"
	"github.com/cluesmith/tower/internal/logging"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("tower: load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	daemon, err := bootstrap.Run(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("tower: bootstrap failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := daemon.Server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("tower: server error", "error", err)
	case sig := <-sigCh:
		slog.Info("tower: received signal, shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		slog.Error("tower: shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("tower: stopped")
}
