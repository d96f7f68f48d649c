// Package main implements the oscrelay binary: a UDP relay providing
// topic-based publish/subscribe for Open Sound Control messages.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"syscall"

	"github.com/c360/oscrelay/config"
	"github.com/c360/oscrelay/lifecycle"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/relay"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "oscrelay"
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

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Relay failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cli, err := parseFlags(args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		_, _ = fmt.Fprintf(out, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, out)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting oscrelay",
		"build_time", BuildTime,
		"config_path", cli.ConfigPath,
		"bind_address", cfg.BindAddress,
		"receive_port", cfg.ReceivePort,
		"send_port", cfg.SendPort)

	metricsRegistry := metric.NewMetricsRegistry()
	r, err := relay.New(relay.Deps{
		Config:          cfg,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	lc := lifecycle.New(context.Background(), logger)
	stopSignals := lc.NotifySignals(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := r.Run(lc.Context()); err != nil {
		return fmt.Errorf("run relay: %w", err)
	}

	logger.Info("oscrelay shutdown complete")
	return nil
}

// loadConfig layers defaults, the optional config file, OSCRELAY_* variables
// and finally the flags that were set explicitly.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cli.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
