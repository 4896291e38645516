package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devconsole/internal/api"
	"devconsole/internal/config"
	"devconsole/internal/console"
	"devconsole/internal/logging"
	devconsolemcp "devconsole/internal/mcp"
	"devconsole/internal/notify"
	"devconsole/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Journal: cfg.Log.Journal,
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	var runner console.Runner
	switch cfg.Runner.Kind {
	case "starlark":
		runner = console.NewStarlarkRunner(logger)
	default:
		runner = console.NewSubprocessRunner(cfg.Runner.Interpreter, logger)
	}

	var notifier console.Notifier
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			logger.Error("configure webhook", "err", err)
			os.Exit(1)
		}
		notifier = notify.NewJobReporter(webhook, logger)
	}

	cons := console.New(console.Options{
		Runner:         runner,
		Logger:         logger,
		DisableQueue:   !cfg.Console.QueueEnabled,
		CancelGrace:    cfg.Console.CancelGrace,
		MaxScriptBytes: cfg.Console.MaxScriptBytes,
		MaxOutputBytes: cfg.Console.MaxOutputBytes,
		HistoryLimit:   cfg.Console.HistoryLimit,
		Notifier:       notifier,
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()
	cons.Start(ctx)

	scheduler := console.NewScheduler(storeInst, cons, logger, location)
	scheduler.Start(ctx)
	if err := scheduler.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	mcpServer := devconsolemcp.NewMCPServer(cons, storeInst, scheduler, logger, location)

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, cons, storeInst, scheduler, mcpServer, logger, location, cancel)
	case "mcp":
		runMCPMode(cfg, cons, scheduler, mcpServer, logger, cancel)
	case "both":
		runBothMode(cfg, cons, storeInst, scheduler, mcpServer, logger, location, cancel)
	}
}

// runHTTPMode serves the HTTP API with the MCP streamable transport
// mounted at /mcp.
func runHTTPMode(cfg *config.Config, cons *console.Console, storeInst *store.Store, scheduler *console.Scheduler, mcpServer *devconsolemcp.MCPServer, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	server, err := api.NewServer(cfg.Addr, cfg.AuthToken, cons, storeInst, scheduler, mcpServer.Handler(), logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopEverything(cfg, cons, scheduler, logger, cancel)
}

// runMCPMode serves MCP over stdio only.
func runMCPMode(cfg *config.Config, cons *console.Console, scheduler *console.Scheduler, mcpServer *devconsolemcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}

	stopEverything(cfg, cons, scheduler, logger, cancel)
}

// runBothMode serves MCP over stdio and the HTTP API concurrently.
func runBothMode(cfg *config.Config, cons *console.Console, storeInst *store.Store, scheduler *console.Scheduler, mcpServer *devconsolemcp.MCPServer, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Addr, cfg.AuthToken, cons, storeInst, scheduler, mcpServer.Handler(), logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopEverything(cfg, cons, scheduler, logger, cancel)
}

// stopEverything cancels the console's run context, waits for the
// dispatch loop to drain (the active job gets the cancel grace before
// it is killed), and stops the scheduler.
func stopEverything(cfg *config.Config, cons *console.Console, scheduler *console.Scheduler, logger *slog.Logger, cancel context.CancelFunc) {
	cancel()
	select {
	case <-cons.Done():
	case <-time.After(cons.Grace() + cfg.ShutdownGrace):
		logger.Warn("console stop timed out")
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("scheduler stop timed out")
	}
	logger.Info("shutdown complete")
}
