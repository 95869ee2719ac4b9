// Package config handles loading and validating buildbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	defaultWorkspace      = ".buildbox"
	defaultUserAgent      = "buildbox"
	defaultTimeoutSeconds = 15 * 60
	defaultJanitorCron    = "0 3 * * *"
	defaultJanitorAddr    = ":9090"

	defaultHistoryRetention = 30
)

// Config is the root configuration for buildbox.
type Config struct {
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Command       CommandConfig        `json:"command" yaml:"command"`
	Toolchains    ToolchainsConfig     `json:"toolchains" yaml:"toolchains"`
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = run history disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// WorkspaceConfig locates the workspace and controls its initialization.
type WorkspaceConfig struct {
	Path      string `json:"path" yaml:"path"`             // Default: ~/.buildbox. Override: BUILDBOX_WORKSPACE env var.
	UserAgent string `json:"user_agent" yaml:"user_agent"` // Sent on every outbound HTTP request. Override: BUILDBOX_USER_AGENT.
	FastInit  bool   `json:"fast_init" yaml:"fast_init"`   // Build helper tools in debug mode.
}

// SandboxConfig configures the container image and per-container limits.
type SandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`                 // Default: rustops/crates-build-env. Override: BUILDBOX_SANDBOX_IMAGE.
	Kind           string  `json:"kind" yaml:"kind"`                   // "remote" (default), "local" or "build".
	BuildContext   string  `json:"build_context" yaml:"build_context"` // Required when kind is "build".
	Memory         string  `json:"memory" yaml:"memory"`               // e.g. "1536m". Empty = unlimited.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`         // 0 = unlimited.
	PIDsLimit      int64   `json:"pids_limit" yaml:"pids_limit"`       // 0 = default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
}

// CommandConfig holds the workspace-wide command timeouts.
// A nil value uses the default; zero disables the timeout.
type CommandConfig struct {
	TimeoutSeconds         *int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`                     // Default: 900.
	NoOutputTimeoutSeconds *int `json:"no_output_timeout_seconds,omitempty" yaml:"no_output_timeout_seconds,omitempty"` // Default: disabled.
}

// Timeout returns the hard command timeout. Zero means disabled.
func (c CommandConfig) Timeout() time.Duration {
	if c.TimeoutSeconds == nil {
		return defaultTimeoutSeconds * time.Second
	}
	return time.Duration(*c.TimeoutSeconds) * time.Second
}

// NoOutputTimeout returns the no-output timeout. Zero means disabled.
func (c CommandConfig) NoOutputTimeout() time.Duration {
	if c.NoOutputTimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*c.NoOutputTimeoutSeconds) * time.Second
}

// ToolchainsConfig lists toolchains the CLI keeps installed.
type ToolchainsConfig struct {
	Main    string   `json:"main" yaml:"main"` // Default: stable.
	Install []string `json:"install,omitempty" yaml:"install,omitempty"`
}

// HistoryConfig configures the command run history store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	DSN     string `json:"dsn" yaml:"dsn"`       // Default for sqlite: <workspace>/cache/history.db. Override: BUILDBOX_HISTORY_DSN.
	// RetentionDays is how long the janitor keeps run records. Default: 30; negative keeps everything.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// Retention returns how long run records are kept. Zero means forever.
func (h *HistoryConfig) Retention() time.Duration {
	days := defaultHistoryRetention
	if h != nil && h.RetentionDays != 0 {
		days = h.RetentionDays
	}
	if days < 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

// HistoryDriver returns the configured driver, defaulting to "sqlite".
func (h *HistoryConfig) HistoryDriver() string {
	if h != nil && h.Driver != "" {
		return h.Driver
	}
	return "sqlite"
}

// JanitorConfig configures the build directory janitor daemon.
type JanitorConfig struct {
	Schedule   string `json:"schedule" yaml:"schedule"`       // 5-field cron. Default: "0 3 * * *".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Health and metrics. Default: ":9090".
}

// CronSchedule returns the schedule, applying the default.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return defaultJanitorCron
}

// Addr returns the listen address, applying the default.
func (j *JanitorConfig) Addr() string {
	if j != nil && j.ListenAddr != "" {
		return j.ListenAddr
	}
	return defaultJanitorAddr
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "buildbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based detection of failing commands.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // text (default) or json.
}

// DefaultConfigPath returns the default config file path (~/.buildbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "buildbox.yaml"
	}
	return filepath.Join(home, defaultWorkspace, "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over values from the file.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish applies environment overrides and defaults, then validates.
func (c *Config) finish() error {
	if v := os.Getenv("BUILDBOX_WORKSPACE"); v != "" {
		c.Workspace.Path = v
	}
	if v := os.Getenv("BUILDBOX_USER_AGENT"); v != "" {
		c.Workspace.UserAgent = v
	}
	if v := os.Getenv("BUILDBOX_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("BUILDBOX_HISTORY_DSN"); v != "" {
		if c.History == nil {
			c.History = &HistoryConfig{Enabled: true}
		}
		c.History.DSN = v
	}

	if c.Workspace.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}
		c.Workspace.Path = filepath.Join(home, defaultWorkspace)
	}
	resolved, err := resolvePath(c.Workspace.Path)
	if err != nil {
		return fmt.Errorf("resolving workspace path %s: %w", c.Workspace.Path, err)
	}
	c.Workspace.Path = resolved
	if c.Workspace.UserAgent == "" {
		c.Workspace.UserAgent = defaultUserAgent
	}
	if c.Sandbox.Kind == "" {
		c.Sandbox.Kind = "remote"
	}
	if c.Toolchains.Main == "" {
		c.Toolchains.Main = "stable"
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HistoryDSN returns the history database DSN, deriving the SQLite path
// from the workspace when none is configured.
func (c *Config) HistoryDSN() string {
	if c.History != nil && c.History.DSN != "" {
		return c.History.DSN
	}
	return filepath.Join(c.Workspace.Path, "cache", "history.db")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Sandbox.Kind {
	case "remote", "local":
	case "build":
		if c.Sandbox.BuildContext == "" {
			return fmt.Errorf("sandbox.build_context is required when sandbox.kind is build")
		}
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required as the tag when sandbox.kind is build")
		}
	default:
		return fmt.Errorf("sandbox.kind %q is not supported (use remote, local or build)", c.Sandbox.Kind)
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Sandbox.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if c.Command.TimeoutSeconds != nil && *c.Command.TimeoutSeconds < 0 {
		return fmt.Errorf("command.timeout_seconds must not be negative")
	}
	if c.Command.NoOutputTimeoutSeconds != nil && *c.Command.NoOutputTimeoutSeconds < 0 {
		return fmt.Errorf("command.no_output_timeout_seconds must not be negative")
	}
	if c.History != nil && c.History.Driver != "" {
		switch c.History.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("history.driver %q is not supported (use sqlite or postgres)", c.History.Driver)
		}
	}
	if c.History != nil && c.History.HistoryDriver() == "postgres" && c.History.DSN == "" {
		return fmt.Errorf("history.dsn is required for the postgres driver")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}
	return nil
}
