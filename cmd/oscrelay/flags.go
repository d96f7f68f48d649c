package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c360/oscrelay/config"
)

// CLIConfig holds command-line configuration. Only flags present on the
// command line override file and environment values.
type CLIConfig struct {
	ConfigPath      string
	BindAddress     string
	ReceivePort     int
	SendPort        int
	WebSocketPort   int
	MetricsPort     int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool

	set map[string]bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	def := config.Default()

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("OSCRELAY_CONFIG", ""),
		"Path to JSON or YAML configuration file (env: OSCRELAY_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("OSCRELAY_CONFIG", ""),
		"Path to JSON or YAML configuration file (shorthand)")

	fs.StringVar(&cfg.BindAddress, "bind-address", def.BindAddress, "Address to bind both UDP endpoints")
	fs.StringVar(&cfg.BindAddress, "b", def.BindAddress, "Address to bind (shorthand)")

	fs.IntVar(&cfg.ReceivePort, "udp-receive-port", def.ReceivePort, "UDP port receiving commands and messages")
	fs.IntVar(&cfg.ReceivePort, "r", def.ReceivePort, "UDP receive port (shorthand)")

	fs.IntVar(&cfg.SendPort, "udp-send-port", def.SendPort, "UDP port forwarded messages are sent from")
	fs.IntVar(&cfg.SendPort, "s", def.SendPort, "UDP send port (shorthand)")

	fs.IntVar(&cfg.WebSocketPort, "websocket-port", def.BridgePort, "WebSocket bridge port, 0 to disable")
	fs.IntVar(&cfg.WebSocketPort, "w", def.BridgePort, "WebSocket bridge port (shorthand)")

	fs.IntVar(&cfg.MetricsPort, "metrics-port", def.Metrics.Port, "Prometheus and health port, 0 to disable")

	fs.StringVar(&cfg.LogLevel, "log-level", def.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", def.Log.Format, "Log format: json, text")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout.Std(), "Graceful shutdown timeout")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	fs.Visit(func(f *flag.Flag) {
		cfg.set[canonicalFlag(f.Name)] = true
	})
	return cfg, nil
}

// canonicalFlag maps shorthands to their long names.
func canonicalFlag(name string) string {
	switch name {
	case "c":
		return "config"
	case "b":
		return "bind-address"
	case "r":
		return "udp-receive-port"
	case "s":
		return "udp-send-port"
	case "w":
		return "websocket-port"
	case "v":
		return "version"
	default:
		return name
	}
}

// apply copies explicitly set flags onto cfg.
func (c *CLIConfig) apply(cfg *config.Config) {
	if c.set["bind-address"] {
		cfg.BindAddress = c.BindAddress
	}
	if c.set["udp-receive-port"] {
		cfg.ReceivePort = c.ReceivePort
	}
	if c.set["udp-send-port"] {
		cfg.SendPort = c.SendPort
	}
	if c.set["websocket-port"] {
		cfg.BridgePort = c.WebSocketPort
	}
	if c.set["metrics-port"] {
		cfg.Metrics.Port = c.MetricsPort
	}
	if c.set["log-level"] {
		cfg.Log.Level = c.LogLevel
	}
	if c.set["log-format"] {
		cfg.Log.Format = c.LogFormat
	}
	if c.set["shutdown-timeout"] {
		cfg.ShutdownTimeout = config.Duration(c.ShutdownTimeout)
	}
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - OSC publish/subscribe relay

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Receive on 9000, forward from 9001
  %s

  # Custom ports with debug logging
  %s -r 57120 -s 57121 --log-level=debug --log-format=text

  # Enable the WebSocket bridge and metrics
  %s -w 8080 --metrics-port=9090

  # Validate configuration only
  %s --config=relay.yaml --validate

Subscribe by sending /subscribe ,s <topic> to the receive port.

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
