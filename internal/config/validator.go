package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ctagard/addin-debug/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "adapter.ready_timeout")
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

var validPlatforms = []string{"windows", "darwin", "linux"}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Adapter.ReadyTimeout < 0 {
		add("adapter.ready_timeout", c.Adapter.ReadyTimeout, "must not be negative")
	}
	if c.Adapter.KillTimeout <= 0 {
		add("adapter.kill_timeout", c.Adapter.KillTimeout, "must be positive")
	}
	for _, arg := range c.Adapter.ExtraArgs {
		if strings.HasPrefix(arg, "--port") || strings.HasPrefix(arg, "--launch") {
			add("adapter.extra_args", arg, "--port and --launch are set from the launch configuration")
		}
	}

	if c.Probe.Timeout <= 0 {
		add("probe.timeout", c.Probe.Timeout, "must be positive")
	}
	if strings.TrimSpace(c.Probe.Engine) == "" {
		add("probe.engine", c.Probe.Engine, "must not be empty")
	}

	if !slices.Contains(validPlatforms, c.Gate.Platform) {
		add("gate.platform", c.Gate.Platform, "must be one of "+strings.Join(validPlatforms, ", "))
	}
	if c.Gate.MinRuntimeMajor < 0 {
		add("gate.min_runtime_major", c.Gate.MinRuntimeMajor, "must not be negative")
	}
	if c.Runtime.NodePath == "" {
		add("runtime.node_path", c.Runtime.NodePath, "must not be empty")
	}
	if c.JSDebug.NodePath == "" {
		add("js_debug.node_path", c.JSDebug.NodePath, "must not be empty")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", c.Log.Level, "must be debug, info, error or a positive verbosity")
	}

	if c.MaxSessions < 1 {
		add("max_sessions", c.MaxSessions, "must be at least 1")
	}

	return errs
}
