// Package config provides configuration management for addin-debug.
//
// Configuration controls:
//   - Adapter settings: the Edge diagnostics adapter path, extra arguments and timeouts
//   - Probe settings: how long a DevTools probe may take and which browser engine to expect
//   - Gate settings: the supported platform and minimum Node.js major version
//   - vscode-js-debug settings used for the protocol attach
//   - Telemetry, logging and the session limit
//
// Values come from defaults, an optional YAML or JSON file, and ADDIN_DEBUG_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ADDIN_DEBUG_ADAPTER_PATH
// for adapter.path.
const EnvPrefix = "ADDIN_DEBUG"

// Config holds the server configuration
type Config struct {
	Adapter     AdapterConfig   `mapstructure:"adapter"`
	Probe       ProbeConfig     `mapstructure:"probe"`
	Gate        GateConfig      `mapstructure:"gate"`
	Runtime     RuntimeConfig   `mapstructure:"runtime"`
	JSDebug     JSDebugConfig   `mapstructure:"js_debug"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Log         LogConfig       `mapstructure:"log"`
	MaxSessions int             `mapstructure:"max_sessions"`
}

// AdapterConfig holds Edge diagnostics adapter settings
type AdapterConfig struct {
	// Path is the adapter executable; empty selects the bundled location.
	Path         string        `mapstructure:"path"`
	ExtraArgs    []string      `mapstructure:"extra_args"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
}

// ProbeConfig holds DevTools probe settings
type ProbeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Engine  string        `mapstructure:"engine"`
}

// GateConfig holds host prerequisite settings
type GateConfig struct {
	Platform        string `mapstructure:"platform"`
	MinRuntimeMajor int    `mapstructure:"min_runtime_major"`
}

// RuntimeConfig names the Node.js runtime whose version is gated
type RuntimeConfig struct {
	NodePath string `mapstructure:"node_path"`
}

// JSDebugConfig holds vscode-js-debug settings
type JSDebugConfig struct {
	Path     string `mapstructure:"path"` // Path to vscode-js-debug's dapDebugServer.js
	NodePath string `mapstructure:"node_path"`
}

// TelemetryConfig controls span export
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Output is a file path; empty means stderr.
	Output string `mapstructure:"output"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			ExtraArgs:    []string{},
			ReadyTimeout: 10 * time.Second,
			KillTimeout:  5 * time.Second,
		},
		Probe: ProbeConfig{
			Timeout: 2 * time.Second,
			Engine:  "edg",
		},
		Gate: GateConfig{
			Platform:        "windows",
			MinRuntimeMajor: 10,
		},
		Runtime: RuntimeConfig{
			NodePath: "node",
		},
		JSDebug: JSDebugConfig{
			NodePath: "node",
		},
		Log: LogConfig{
			Level: "info",
		},
		MaxSessions: 4,
	}
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Adapter defaults
	v.SetDefault("adapter.path", defaults.Adapter.Path)
	v.SetDefault("adapter.extra_args", defaults.Adapter.ExtraArgs)
	v.SetDefault("adapter.ready_timeout", defaults.Adapter.ReadyTimeout)
	v.SetDefault("adapter.kill_timeout", defaults.Adapter.KillTimeout)

	// Probe defaults
	v.SetDefault("probe.timeout", defaults.Probe.Timeout)
	v.SetDefault("probe.engine", defaults.Probe.Engine)

	// Gate defaults
	v.SetDefault("gate.platform", defaults.Gate.Platform)
	v.SetDefault("gate.min_runtime_major", defaults.Gate.MinRuntimeMajor)
	v.SetDefault("runtime.node_path", defaults.Runtime.NodePath)

	v.SetDefault("js_debug.path", defaults.JSDebug.Path)
	v.SetDefault("js_debug.node_path", defaults.JSDebug.NodePath)

	v.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	v.SetDefault("telemetry.output", defaults.Telemetry.Output)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.file", defaults.Log.File)

	v.SetDefault("max_sessions", defaults.MaxSessions)
}

// NewViper returns a viper instance with defaults and environment overrides
// registered, and configFile read when given. Without configFile the user
// config directory and the working directory are searched for config.yaml
// or config.json; finding none is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	// ADDIN_DEBUG_ADAPTER_READY_TIMEOUT for adapter.ready_timeout
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// LoadFile is NewViper followed by Load.
func LoadFile(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

// Dir returns the path to the user's config directory
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "addin-debug")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".addin-debug"
	}
	return filepath.Join(home, ".config", "addin-debug")
}
