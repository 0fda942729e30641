// Package launchconfig reads Office add-in debug configurations from a VS Code
// launch.json file.
package launchconfig

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ctagard/addin-debug/pkg/types"
)

// DebugType is the launch.json "type" of an Office add-in configuration.
const DebugType = "office-addin"

// LaunchJSON represents a VS Code launch.json file structure.
type LaunchJSON struct {
	Version        string               `json:"version"`
	Configurations []DebugConfiguration `json:"configurations"`
}

// DebugConfiguration represents a single debug configuration in launch.json.
// Fields other configuration types use are ignored.
type DebugConfiguration struct {
	// Required fields
	Type    string `json:"type"`
	Request string `json:"request"` // "launch" or "attach"
	Name    string `json:"name"`

	RuntimeExecutable string `json:"runtimeExecutable,omitempty"`
	Port              int    `json:"port,omitempty"`
	URL               string `json:"url,omitempty"`
	WebRoot           string `json:"webRoot,omitempty"`

	// Left unexpanded; ${workspaceFolder} in overrides is resolved against webRoot.
	SourceMapPathOverrides *types.SourceMapOverrides `json:"sourceMapPathOverrides,omitempty"`

	Trace Trace `json:"trace,omitempty"`
}

// Trace accepts the boolean or string forms of the "trace" property.
type Trace string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*t = Trace(strconv.FormatBool(b))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("trace must be a boolean or a string")
	}
	*t = Trace(s)
	return nil
}

// IsAddinConfiguration reports whether this configuration can drive an add-in session.
func (c *DebugConfiguration) IsAddinConfiguration() bool {
	return c.Type == DebugType
}

// IsLaunchRequest returns true if this is a launch configuration (not attach).
func (c *DebugConfiguration) IsLaunchRequest() bool {
	return c.Request == "launch"
}

// IsAttachRequest returns true if this is an attach configuration.
func (c *DebugConfiguration) IsAttachRequest() bool {
	return c.Request == "attach"
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string            // Root folder of the workspace
	EnvOverrides    map[string]string // Override environment variables
}
