// Command overseer is the control-plane daemon: it owns the run queue, the
// control API and the shared stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"overseer/pkg/api"
	"overseer/pkg/config"
	"overseer/pkg/eventlog"
	"overseer/pkg/limiter"
	"overseer/pkg/logx"
	"overseer/pkg/persistence"
	"overseer/pkg/state"
	"overseer/pkg/supervisor"
)

const shutdownGrace = 15 * time.Second

func main() {
	var configPath string
	var workspace string
	var debug bool
	flag.StringVar(&configPath, "config", "overseer.yaml", "Path to the configuration document")
	flag.StringVar(&workspace, "workspace", ".", "Workspace root the patch engine writes into")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(configPath, workspace, debug); err != nil {
		fmt.Fprintf(os.Stderr, "overseer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, workspace string, debug bool) error {
	logx.SetDebug(debug)
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.DataDir, "overseer.db"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store: %v", err)
		}
	}()

	summaries, err := state.NewStore(filepath.Join(cfg.DataDir, "runs"))
	if err != nil {
		return err
	}

	events, err := eventlog.NewWriter(filepath.Join(cfg.DataDir, "incidents"))
	if err != nil {
		return err
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Error("failed to close event log: %v", err)
		}
	}()

	limits := limiter.New(cfg.Providers)
	defer limits.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logger.Warn("config watcher disabled: %v", err)
	} else {
		go watcher.Run(ctx)
		defer func() { _ = watcher.Close() }()
	}

	sup := supervisor.New(supervisor.Options{
		Config:        cfg,
		Store:         store,
		Summaries:     summaries,
		Events:        events,
		Limiter:       limits,
		WorkspaceRoot: workspace,
		DataDir:       cfg.DataDir,
	})

	server := api.NewServer(cfg.API, sup, store)
	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- sup.Start(ctx) }()

	logger.Info("overseer started (project %s, workspace %s)", cfg.Project, workspace)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown: %v", err)
	}
	return nil
}
