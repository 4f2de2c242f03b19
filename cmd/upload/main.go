package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"permabundle/internal/config"
	"permabundle/internal/server"
)

const (
	exitBadConfig = 2
	exitStorage   = 3
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitBadConfig)
	}

	ctx := context.Background()
	srv, err := server.NewUpload(ctx, cfg)
	if err != nil {
		slog.Error("upload service init failed", "error", err)
		if isStorageError(err) {
			os.Exit(exitStorage)
		}
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.GraceTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	slog.Info("upload service stopped")
}

func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// isStorageError classifies init failures that retrying cannot fix without
// operator action on the database or object store.
func isStorageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database") || strings.Contains(msg, "object store") ||
		strings.Contains(msg, "migrate")
}
