// Package types defines shared data types used across addin-debug.
//
// This package provides type definitions for:
//   - LaunchConfiguration: caller-supplied launch/attach inputs
//   - SourceMapOverrides: ordered source-map path override table
//   - TargetDescriptor: what a DevTools endpoint reports about itself
//   - SessionState: launch orchestrator states
//   - SessionInfo: status snapshot of a session
package types

import (
	"fmt"
	"net/url"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultPort is the remote debugging port used when a configuration does not name one.
const DefaultPort = 9222

// SourceMapOverrides maps source-URL patterns to local path patterns.
// Iteration and JSON encoding follow insertion order.
type SourceMapOverrides = orderedmap.OrderedMap[string, string]

// NewSourceMapOverrides builds an override table from key/value pairs in order.
// It panics if pairs has an odd length.
func NewSourceMapOverrides(pairs ...string) *SourceMapOverrides {
	if len(pairs)%2 != 0 {
		panic("types: NewSourceMapOverrides needs key/value pairs")
	}
	om := orderedmap.New[string, string](len(pairs) / 2)
	for i := 0; i < len(pairs); i += 2 {
		om.Set(pairs[i], pairs[i+1])
	}
	return om
}

// LaunchConfiguration holds the inputs of one launch or attach call.
type LaunchConfiguration struct {
	Name    string `json:"name,omitempty"`
	Request string `json:"request,omitempty"` // "launch" or "attach"

	// RuntimeExecutable overrides the adapter executable path.
	RuntimeExecutable string `json:"runtimeExecutable,omitempty"`
	// Port is the adapter's DevTools port; zero means DefaultPort.
	Port int `json:"port,omitempty"`
	// URL is the page the adapter navigates to when it is spawned.
	URL     string `json:"url,omitempty"`
	WebRoot string `json:"webRoot,omitempty"`
	// SourceMapPathOverrides nil means the built-in defaults are used.
	SourceMapPathOverrides *SourceMapOverrides `json:"sourceMapPathOverrides,omitempty"`

	Trace string `json:"trace,omitempty"`
}

// WithDefaults returns a copy of the configuration with defaults applied.
func (c LaunchConfiguration) WithDefaults() LaunchConfiguration {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

// Validate checks the fields that can be checked without touching the host.
func (c LaunchConfiguration) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("url %q is invalid: %w", c.URL, err)
		}
	}
	return nil
}

// TargetDescriptor describes a DevTools target. The version fields come from
// /json/version; ID, Title, URL and Type are filled once a page target is selected.
type TargetDescriptor struct {
	Browser              string `json:"browser"`
	ProtocolVersion      string `json:"protocolVersion,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`

	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

// SessionState is the launch orchestrator's state.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateGating         SessionState = "gating"
	StateProbing        SessionState = "probing"
	StateAlreadyRunning SessionState = "already_running"
	StateSpawning       SessionState = "spawning"
	StateAttached       SessionState = "attached"
	StateDisconnecting  SessionState = "disconnecting"
	StateTerminated     SessionState = "terminated"
	StateFailed         SessionState = "failed"
)

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	SessionID    string            `json:"sessionId"`
	State        SessionState      `json:"state"`
	History      []SessionState    `json:"history"`
	Port         int               `json:"port,omitempty"`
	AdapterPID   int               `json:"adapterPid,omitempty"`
	Spawned      bool              `json:"spawned"`
	Target       *TargetDescriptor `json:"target,omitempty"`
	FailReason   string            `json:"failReason,omitempty"`
	TerminatedBy string            `json:"terminatedBy,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}
