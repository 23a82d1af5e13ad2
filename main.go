package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"

	"github.com/NamanBalaji/fetchd/internal/api"
	"github.com/NamanBalaji/fetchd/internal/config"
	"github.com/NamanBalaji/fetchd/internal/hub"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/repository"
	"github.com/NamanBalaji/fetchd/internal/runner"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	configPath := flag.String("config", "", "Path to the config file")
	flag.Parse()

	stateDir := filepath.Join(xdg.DataHome, "fetchd")

	err := os.MkdirAll(stateDir, 0o755)
	if err != nil {
		log.Fatalf("Error creating state directory: %v\n", err)
	}

	err = logger.InitLogging(*debug, filepath.Join(stateDir, "fetchd.log"))
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v\n", err)
	}

	err = os.MkdirAll(cfg.Jobs.DownloadDir, 0o755)
	if err != nil {
		log.Fatalf("Error creating download directory: %v\n", err)
	}

	repo, err := repository.NewBboltRepository(cfg.DBPath)
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}

	defer func() {
		if err := repo.Close(); err != nil {
			logger.Errorf("Error closing repository: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications := hub.New(cfg.SSE.TerminalGrace)
	store := job.NewStore(cfg.Jobs.RetentionWindow, notifications.Publish, repo)
	registry := runner.NewRegistry()

	go store.Run(ctx, cfg.Jobs.SweepInterval)
	go notifications.Run(ctx, cfg.SSE.HeartbeatInterval)

	server := api.NewServer(cfg, store, notifications, registry, repo)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Infof("Shutdown signal received")
		cancel()
	}()

	err = server.Run(ctx)
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	logger.Infof("Shutdown complete.")
}
