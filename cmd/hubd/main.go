// Package main implements the hubkit daemon: the central registry and
// message-bus process that components register with, discover each other
// through, and exchange messages over.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hubd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("hub failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting hub",
		"version", Version,
		"hub_id", cfg.Hub.ID,
		"environment", cfg.Hub.Environment,
		"config_path", cliCfg.ConfigPath)

	hub := service.NewHub(cfg, logger)
	return runWithSignalHandling(hub)
}

// runWithSignalHandling starts the hub and blocks until SIGINT/SIGTERM.
func runWithSignalHandling(hub *service.Hub) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := hub.Start(signalCtx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	slog.Info("hub ready")

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := hub.Stop(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("hub shutdown complete")
	return nil
}
