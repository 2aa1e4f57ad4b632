// Package config holds the YAML configuration for the lookback CLI and its
// optional debug server.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michael-trelinski/lookback/compressors"
	"github.com/michael-trelinski/lookback/core"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol    string  `yaml:"protocol"` // "grpc" or "http"
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DebugConfig holds the debug HTTP server configuration.
type DebugConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ListenAddress         string `yaml:"listen_address"`
	PProfEnabled          bool   `yaml:"pprof_enabled"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// QueryConfig holds query execution defaults.
type QueryConfig struct {
	DefaultTimeout     string `yaml:"default_timeout"`
	SlowQueryThreshold string `yaml:"slow_query_threshold"`
}

// ReplayConfig holds replay input settings.
type ReplayConfig struct {
	// Compression overrides extension-based codec detection; empty means
	// "decide by file extension".
	Compression  string `yaml:"compression"`
	MaxLineBytes int    `yaml:"max_line_bytes"`
}

// OutputConfig holds result output settings.
type OutputConfig struct {
	Compression string `yaml:"compression"`
}

// Config is the top-level configuration struct.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
	Query   QueryConfig   `yaml:"query"`
	Replay  ReplayConfig  `yaml:"replay"`
	Output  OutputConfig  `yaml:"output"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader over the defaults.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Logging: LoggingConfig{
			// Results stream on stdout, so logs default to stderr.
			Level:  "info",
			Output: "stderr",
			File:   "lookback.log",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "lookback",
			SampleRatio: 1.0,
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "127.0.0.1:6060",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			SystemMetricsInterval: "10s",
		},
		Query: QueryConfig{
			DefaultTimeout:     "0s",
			SlowQueryThreshold: "10s",
		},
		Replay: ReplayConfig{
			Compression:  "",
			MaxLineBytes: 4 * 1024 * 1024,
		},
		Output: OutputConfig{
			Compression: "none",
		},
	}

	// A nil reader is like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Strict decoding: a misspelled key is a configuration bug, not a default.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg, _ := Load(nil)
	return cfg
}

// Validate rejects values no component could act on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &core.ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "unknown log level"}
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "none":
	case "file":
		if c.Logging.File == "" {
			return &core.ValidationError{Field: "logging.file", Value: "", Message: "log output is \"file\" but no file is set"}
		}
	default:
		return &core.ValidationError{Field: "logging.output", Value: c.Logging.Output, Message: "unknown log output"}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "grpc", "http":
		default:
			return &core.ValidationError{Field: "tracing.protocol", Value: c.Tracing.Protocol, Message: "protocol must be grpc or http"}
		}
		if c.Tracing.Endpoint == "" {
			return &core.ValidationError{Field: "tracing.endpoint", Value: "", Message: "tracing is enabled but no endpoint is set"}
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return &core.ValidationError{Field: "tracing.sample_ratio", Value: fmt.Sprintf("%v", c.Tracing.SampleRatio), Message: "sample ratio must be within [0, 1]"}
	}

	if _, err := compressors.ParseType(c.Replay.Compression); err != nil {
		return err
	}
	if _, err := compressors.ParseType(c.Output.Compression); err != nil {
		return err
	}
	if c.Replay.MaxLineBytes < 0 {
		return &core.ValidationError{Field: "replay.max_line_bytes", Value: fmt.Sprintf("%d", c.Replay.MaxLineBytes), Message: "must not be negative"}
	}
	return nil
}
