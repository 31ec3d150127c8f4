// Package main runs the interception tier as a local HTTP proxy:
// GET /o/{upstream}/{path} is answered from the persistent cache or the
// network, and the process exposes /health and Prometheus metrics.
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

	"coinwatch/config"
	"coinwatch/internal/app"
	"coinwatch/internal/logging"
	"coinwatch/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	listen := flag.String("listen", "", "Listen address (overrides intercept.listen)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if !cfg.Intercept.Enabled {
		fmt.Fprintln(os.Stderr, "interception tier is disabled (intercept.enabled=false)")
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting interceptd",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := a.PrepareIntercept(ctx); err != nil {
		// The previous generation stays active; serving continues.
		slog.Warn("interception tier not prepared", "error", err)
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	addr := cfg.Intercept.Listen
	if *listen != "" {
		addr = *listen
	}
	if err := a.Start(addr); err != nil {
		slog.Error("server failed", "error", err)
		stop()
		<-done
		os.Exit(1)
	}
	<-done
}
