package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/situkun123/stock-assistant/internal/api"
	"github.com/situkun123/stock-assistant/internal/buildinfo"
	"github.com/situkun123/stock-assistant/internal/connwatch"
)

// runServe is the primary operating mode: it wires every component,
// starts upstream health watchers and the API server, and blocks until
// SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels the context, stopping watchers
//  2. the HTTP server drains in-flight turns
//  3. the MQTT sink publishes "offline" and the stores close
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting stockagent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	if cfgPath == "" {
		logger.Warn("no config file found, using built-in defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{mqtt: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	watch := connwatch.NewManager(connwatch.DefaultConfig(), logger)
	defer watch.Stop()
	watch.Watch(ctx, "llm", a.models.Ping)
	watch.Watch(ctx, "market", a.yahoo.Ping)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, logger)
	server.SetRegistry(a.markets)
	server.SetCheckpointStore(a.checkpoints)
	server.SetHealth(watch)
	server.SetEvents(a.events)
	if a.auditStore != nil {
		server.SetAuditReader(a.auditStore)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("stockagent stopped", "cached_companies", a.markets.Len(), "context_trims", a.loop.TrimStats().Trims)
	return nil
}
