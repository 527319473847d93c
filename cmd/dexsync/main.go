package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexsync/dexsync"
	"dexsync/dexsync/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	customHandler := logger.NewHandler()
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting dexsync",
		slog.String("version", version),
		slog.String("commit", commit))

	shouldForceSync := flag.Bool("force-sync", true, "Whether to run a full catalog sync on startup")
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := dexsync.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := dexsync.New(*cfg, version, commit)

	setupStart := time.Now()
	if err := app.Setup(ctx); err != nil {
		slog.Error("Setup failed",
			slog.Any("error", err),
			slog.Duration("attempted_for", time.Since(setupStart)))
		os.Exit(-1)
	}
	defer app.Close(context.Background())

	slog.Info("Stores connected",
		slog.Duration("took", time.Since(setupStart)))

	if _, err := app.Identity.SignInAnonymously(ctx); err != nil {
		slog.Error("Anonymous sign-in failed", slog.Any("error", err))
	}

	if *shouldForceSync && app.Monitor.IsConnectedNow() {
		if err := app.Sync.ForceSync(ctx); err != nil {
			slog.Error("Initial sync failed", slog.Any("error", err))
		}
	}

	logger.LogSystem("dexsync is now ready")

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s
	slog.Info("Shutting down dexsync...")
}
