package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/c360/oscrelay/pkg/buffer"
	"github.com/c360/oscrelay/pkg/retry"
)

// Config represents the complete relay configuration
type Config struct {
	BindAddress     string `json:"bind_address" yaml:"bind_address"`
	ReceivePort     int    `json:"receive_port" yaml:"receive_port"`
	SendPort        int    `json:"send_port" yaml:"send_port"`
	BridgePort      int    `json:"bridge_port" yaml:"bridge_port"` // 0 disables the WebSocket bridge
	BridgePath      string `json:"bridge_path" yaml:"bridge_path"`
	MaxDatagramSize int    `json:"max_datagram_size" yaml:"max_datagram_size"`
	MaxNestingDepth int    `json:"max_nesting_depth" yaml:"max_nesting_depth"`
	ShardCount      int    `json:"shard_count" yaml:"shard_count"`

	Queue         QueueConfig `json:"queue" yaml:"queue"`
	SendQueueSize int         `json:"send_queue_size" yaml:"send_queue_size"`
	SendWorkers   int         `json:"send_workers" yaml:"send_workers"` // more than 1 loses per-subscriber ordering

	BindRetry RetryConfig   `json:"bind_retry" yaml:"bind_retry"`
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS      NATSConfig    `json:"nats" yaml:"nats"`
	Log       LogConfig     `json:"log" yaml:"log"`

	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// QueueConfig sizes the per-subscriber queues
type QueueConfig struct {
	Capacity       int    `json:"capacity" yaml:"capacity"`
	OverflowPolicy string `json:"overflow_policy" yaml:"overflow_policy"` // drop_oldest | drop_newest
}

// RetryConfig controls socket bind retries
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`
}

// MetricsConfig controls the Prometheus and health HTTP server
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"` // 0 disables the server
	Path string `json:"path" yaml:"path"`
}

// NATSConfig controls the optional NATS mirror
type NATSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	URL            string   `json:"url" yaml:"url"`
	SubjectPrefix  string   `json:"subject_prefix" yaml:"subject_prefix"`
	ClientName     string   `json:"client_name" yaml:"client_name"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // json | text
}

// Default returns the relay defaults: receive on 9000, send from 9001, no
// bridge, no metrics server, no mirror.
func Default() *Config {
	return &Config{
		BindAddress:     "0.0.0.0",
		ReceivePort:     9000,
		SendPort:        9001,
		BridgePort:      0,
		BridgePath:      "/osc",
		MaxDatagramSize: 16 * 1024,
		MaxNestingDepth: 32,
		ShardCount:      64,
		Queue: QueueConfig{
			Capacity:       1024,
			OverflowPolicy: buffer.DropOldest.String(),
		},
		SendQueueSize: 4096,
		SendWorkers:   1,
		BindRetry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Port: 0,
			Path: "/metrics",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "oscrelay",
			ClientName:     "oscrelay",
			ConnectTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// Validate checks if the config is valid. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.BindAddress != "", "bind_address is required")
	check(validPort(c.ReceivePort), "receive_port %d out of range", c.ReceivePort)
	check(validPort(c.SendPort), "send_port %d out of range", c.SendPort)
	check(c.ReceivePort == 0 || c.ReceivePort != c.SendPort,
		"receive_port and send_port must differ (both %d)", c.ReceivePort)
	check(validPort(c.BridgePort), "bridge_port %d out of range", c.BridgePort)
	check(c.BridgePort == 0 || strings.HasPrefix(c.BridgePath, "/"),
		"bridge_path %q must start with '/'", c.BridgePath)
	check(c.MaxDatagramSize >= 64 && c.MaxDatagramSize <= 65535,
		"max_datagram_size %d must be within [64, 65535]", c.MaxDatagramSize)
	check(c.MaxNestingDepth >= 1 && c.MaxNestingDepth <= 1024,
		"max_nesting_depth %d must be within [1, 1024]", c.MaxNestingDepth)
	check(c.ShardCount >= 1 && c.ShardCount <= 1<<16,
		"shard_count %d must be within [1, 65536]", c.ShardCount)

	check(c.Queue.Capacity >= 1 && c.Queue.Capacity <= 1<<20,
		"queue.capacity %d must be within [1, 1048576]", c.Queue.Capacity)
	if _, err := buffer.ParseOverflowPolicy(c.Queue.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("queue.overflow_policy: %w", err))
	}
	check(c.SendQueueSize >= 1, "send_queue_size must be positive")
	check(c.SendWorkers >= 1, "send_workers must be positive")

	check(c.BindRetry.MaxAttempts >= 1, "bind_retry.max_attempts must be positive")
	check(c.BindRetry.InitialDelay >= 0 && c.BindRetry.MaxDelay >= c.BindRetry.InitialDelay,
		"bind_retry delays must satisfy 0 <= initial_delay <= max_delay")

	check(validPort(c.Metrics.Port), "metrics.port %d out of range", c.Metrics.Port)
	check(c.Metrics.Port == 0 || strings.HasPrefix(c.Metrics.Path, "/"),
		"metrics.path %q must start with '/'", c.Metrics.Path)

	if c.NATS.Enabled {
		if u, err := url.Parse(c.NATS.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("nats.url %q is not a valid URL", c.NATS.URL))
		}
		check(isValidNATSSubject(c.NATS.SubjectPrefix),
			"nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix)
	}

	check(oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "warning", "error"),
		"log.level %q must be debug, info, warn or error", c.Log.Level)
	check(oneOf(strings.ToLower(c.Log.Format), "json", "text"),
		"log.format %q must be json or text", c.Log.Format)
	check(c.ShutdownTimeout > 0, "shutdown_timeout must be positive")

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

// isValidNATSSubject checks a dot-separated subject for empty tokens and
// characters outside letters, digits, '-' and '_'.
func isValidNATSSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return false
		}
		for _, r := range token {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

// RetryPolicy converts the bind retry settings for pkg/retry.
func (c *Config) RetryPolicy() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.BindRetry.MaxAttempts
	cfg.InitialDelay = c.BindRetry.InitialDelay.Std()
	cfg.MaxDelay = c.BindRetry.MaxDelay.Std()
	return cfg
}

// OverflowPolicy returns the parsed queue overflow policy. Call after Validate.
func (c *Config) OverflowPolicy() buffer.OverflowPolicy {
	p, _ := buffer.ParseOverflowPolicy(c.Queue.OverflowPolicy)
	return p
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// String renders the config as JSON with NATS credentials redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if u, err := url.Parse(redacted.NATS.URL); err == nil && u.User != nil {
		u.User = url.User("REDACTED")
		redacted.NATS.URL = u.String()
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
