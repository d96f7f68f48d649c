package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/oscrelay/errors"
)

// DefaultEnvPrefix prefixes every environment override, e.g. OSCRELAY_SEND_PORT.
const DefaultEnvPrefix = "OSCRELAY"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, each file layer, then environment overrides, and
// validates the result if validation is enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(path, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("load %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"config", "Load", "validate")
		}
	}

	return cfg, nil
}

// loadLayer decodes one file on top of cfg; fields absent from the file keep
// their current values.
func (l *Loader) loadLayer(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return fmt.Errorf("invalid JSON structure: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
	}
	return nil
}

type envBinding struct {
	key   string
	apply func(cfg *Config, val string) error
}

func intField(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func stringField(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*dst(cfg) = val
		return nil
	}
}

func durationField(dst func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*dst(cfg) = Duration(d)
		return nil
	}
}

var envBindings = []envBinding{
	{"BIND_ADDRESS", stringField(func(c *Config) *string { return &c.BindAddress })},
	{"RECEIVE_PORT", intField(func(c *Config) *int { return &c.ReceivePort })},
	{"SEND_PORT", intField(func(c *Config) *int { return &c.SendPort })},
	{"BRIDGE_PORT", intField(func(c *Config) *int { return &c.BridgePort })},
	{"MAX_DATAGRAM_SIZE", intField(func(c *Config) *int { return &c.MaxDatagramSize })},
	{"MAX_NESTING_DEPTH", intField(func(c *Config) *int { return &c.MaxNestingDepth })},
	{"QUEUE_CAPACITY", intField(func(c *Config) *int { return &c.Queue.Capacity })},
	{"OVERFLOW_POLICY", stringField(func(c *Config) *string { return &c.Queue.OverflowPolicy })},
	{"METRICS_PORT", intField(func(c *Config) *int { return &c.Metrics.Port })},
	{"NATS_URL", stringField(func(c *Config) *string { return &c.NATS.URL })},
	{"NATS_SUBJECT_PREFIX", stringField(func(c *Config) *string { return &c.NATS.SubjectPrefix })},
	{"NATS_ENABLED", func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		c.NATS.Enabled = b
		return nil
	}},
	{"LOG_LEVEL", stringField(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", stringField(func(c *Config) *string { return &c.Log.Format })},
	{"SHUTDOWN_TIMEOUT", durationField(func(c *Config) *Duration { return &c.ShutdownTimeout })},
}

// applyEnvOverrides applies <prefix>_<KEY> environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		key := l.envPrefix + "_" + b.key
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := b.apply(cfg, val); err != nil {
			return fmt.Errorf("%s=%q: %w", key, val, err)
		}
	}
	return nil
}
