// Package errors provides structured error types for addin-debug.
// Each error carries a machine-readable code plus a hint telling the caller
// how to get a session started when something goes wrong.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Prerequisite errors
	CodeExecutableMissing      ErrorCode = "EXECUTABLE_MISSING"
	CodeUnsupportedPlatform    ErrorCode = "UNSUPPORTED_PLATFORM"
	CodeUnsupportedOSVersion   ErrorCode = "UNSUPPORTED_OS_VERSION"
	CodeUnsupportedHostRuntime ErrorCode = "UNSUPPORTED_HOST_RUNTIME"

	// Probe errors
	CodePortOwnedByOther       ErrorCode = "PORT_OWNED_BY_OTHER"
	CodeMalformedProbeResponse ErrorCode = "MALFORMED_PROBE_RESPONSE"
	CodeNoTargetListening      ErrorCode = "NO_TARGET_LISTENING"

	// Adapter process errors
	CodeSpawnFailure                    ErrorCode = "SPAWN_FAILURE"
	CodeSessionTerminatedByAdapterError ErrorCode = "SESSION_TERMINATED_BY_ADAPTER_ERROR"

	// Session errors
	CodeSessionBusy         ErrorCode = "SESSION_BUSY"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodePortInUse           ErrorCode = "PORT_IN_USE"
	CodeAttachFailed        ErrorCode = "ATTACH_FAILED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Configuration errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	CodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is. A DebugError matches the sentinel with the same code.
var (
	ErrExecutableMissing      = &DebugError{Code: CodeExecutableMissing}
	ErrUnsupportedPlatform    = &DebugError{Code: CodeUnsupportedPlatform}
	ErrUnsupportedOSVersion   = &DebugError{Code: CodeUnsupportedOSVersion}
	ErrUnsupportedHostRuntime = &DebugError{Code: CodeUnsupportedHostRuntime}
	ErrPortOwnedByOther       = &DebugError{Code: CodePortOwnedByOther}
	ErrMalformedProbeResponse = &DebugError{Code: CodeMalformedProbeResponse}
	ErrNoTargetListening      = &DebugError{Code: CodeNoTargetListening}
	ErrSpawnFailure           = &DebugError{Code: CodeSpawnFailure}
	ErrSessionTerminated      = &DebugError{Code: CodeSessionTerminatedByAdapterError}
	ErrSessionBusy            = &DebugError{Code: CodeSessionBusy}
	ErrSessionNotFound        = &DebugError{Code: CodeSessionNotFound}
	ErrPortInUse              = &DebugError{Code: CodePortInUse}
)

// DebugError is a structured error type that includes a hint on how to recover.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the port, the foreign browser)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		sb.WriteString(string(e.Code))
	}

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DebugError with the same code.
func (e *DebugError) Is(target error) bool {
	var other *DebugError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// CodeOf returns the code of the first DebugError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// --- Prerequisite Errors ---

const unsupportedHostHint = "The Office Add-in debugger is only supported on Windows 10 version 1903 (build 10.0.18362) and greater."

// ExecutableMissing creates an error for an adapter executable that is not on disk
func ExecutableMissing(path string) *DebugError {
	return &DebugError{
		Code:    CodeExecutableMissing,
		Message: fmt.Sprintf("no Edge diagnostics adapter was found at '%s'", path),
		Hint:    "Install the Edge diagnostics adapter (https://github.com/OfficeDev/debug-adapter-for-office-addins) and set 'runtimeExecutable' or adapter.path to a valid executable.",
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// UnsupportedPlatform creates an error for a host OS the adapter does not run on
func UnsupportedPlatform(goos, supported string) *DebugError {
	return &DebugError{
		Code:    CodeUnsupportedPlatform,
		Message: fmt.Sprintf("platform '%s' is not supported; the adapter requires %s", goos, supported),
		Hint:    unsupportedHostHint,
		Details: map[string]interface{}{
			"platform":  goos,
			"supported": supported,
		},
	}
}

// UnsupportedOSVersion creates an error for an OS release below the minimum
func UnsupportedOSVersion(installed string) *DebugError {
	return &DebugError{
		Code:    CodeUnsupportedOSVersion,
		Message: fmt.Sprintf("OS version %s is not supported", installed),
		Hint:    unsupportedHostHint + " Currently installed version is " + installed + ".",
		Details: map[string]interface{}{
			"installed": installed,
			"minimum":   "10.0.18362",
		},
	}
}

// UnsupportedHostRuntime creates an error for a Node.js runtime that is too old
func UnsupportedHostRuntime(installedMajor, minimumMajor int) *DebugError {
	return &DebugError{
		Code:    CodeUnsupportedHostRuntime,
		Message: fmt.Sprintf("the add-in debugger requires Node.js %d or higher; installed major version is %d", minimumMajor, installedMajor),
		Hint:    "Install a current Node.js release or point runtime.node_path at one.",
		Details: map[string]interface{}{
			"installed": installedMajor,
			"minimum":   minimumMajor,
		},
	}
}

// --- Probe Errors ---

// PortOwnedByOther creates an error when a different browser already serves the port
func PortOwnedByOther(browser string, port int) *DebugError {
	return &DebugError{
		Code:    CodePortOwnedByOther,
		Message: fmt.Sprintf("server for %s already listening on %d", browser, port),
		Hint:    "Close the other browser's remote debugging session or choose a different 'port'.",
		Details: map[string]interface{}{
			"browser": browser,
			"port":    port,
		},
	}
}

// MalformedProbeResponse creates an error for a DevTools endpoint that answered with garbage
func MalformedProbeResponse(port int, reason string, err error) *DebugError {
	return &DebugError{
		Code:    CodeMalformedProbeResponse,
		Message: fmt.Sprintf("unexpected response from http://127.0.0.1:%d/json/version: %s", port, reason),
		Hint:    "Something other than a remote debugging endpoint is using this port. Choose a different 'port'.",
		Cause:   err,
		Details: map[string]interface{}{
			"port": port,
		},
	}
}

// NoTargetListening creates the error a probe returns when nothing answers on the port
func NoTargetListening(port int, err error) *DebugError {
	return &DebugError{
		Code:    CodeNoTargetListening,
		Message: fmt.Sprintf("no debug target listening on 127.0.0.1:%d", port),
		Cause:   err,
		Details: map[string]interface{}{
			"port": port,
		},
	}
}

// --- Adapter Process Errors ---

// SpawnFailure creates an error when the adapter process could not be started
func SpawnFailure(executable string, err error) *DebugError {
	msg := fmt.Sprintf("unable to start Edge debug adapter '%s'", executable)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &DebugError{
		Code:    CodeSpawnFailure,
		Message: msg,
		Hint:    "Check that the adapter executable runs on its own and that the port is free.",
		Cause:   err,
		Details: map[string]interface{}{
			"executable": executable,
		},
	}
}

// SessionTerminatedByAdapterError creates the error recorded when the adapter fails mid-session
func SessionTerminatedByAdapterError(reason string, err error) *DebugError {
	return &DebugError{
		Code:    CodeSessionTerminatedByAdapterError,
		Message: fmt.Sprintf("adapter error: %s", reason),
		Hint:    "The debug adapter reported a fatal error and the session was ended. Launch a new session.",
		Cause:   err,
	}
}

// --- Session Errors ---

// SessionBusy creates an error for a launch issued while a session is active
func SessionBusy(state string) *DebugError {
	return &DebugError{
		Code:    CodeSessionBusy,
		Message: fmt.Sprintf("session is %s", state),
		Hint:    "Disconnect the current session before launching again.",
		Details: map[string]interface{}{
			"state": state,
		},
	}
}

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_launch to create a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_disconnect to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// PortInUse creates an error when another session already owns the port
func PortInUse(port int, sessionID string) *DebugError {
	return &DebugError{
		Code:    CodePortInUse,
		Message: fmt.Sprintf("port %d is already used by session '%s'", port, sessionID),
		Hint:    "Disconnect that session or choose a different 'port'.",
		Details: map[string]interface{}{
			"port":      port,
			"sessionId": sessionID,
		},
	}
}

// AttachFailed creates an error when the protocol attach step fails
func AttachFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeAttachFailed,
		Message: fmt.Sprintf("failed to attach to debug target: %v", err),
		Hint:    "Check that js_debug.path points at vscode-js-debug's dapDebugServer.js and that the page is loaded.",
		Cause:   err,
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("missing required parameter: %s", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected %s.", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// --- Configuration Errors ---

// ConfigNotFound creates an error when a launch configuration name doesn't exist
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	hint := "No configurations are available in launch.json."
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available configurations: %s", strings.Join(availableConfigs, ", "))
	}

	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("launch configuration '%s' not found", configName),
		Hint:    hint,
		Details: map[string]interface{}{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid launch configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("launch configuration '%s' is invalid: %s", configName, reason),
		Hint:    "Check launch.json syntax and required fields (type, request, name).",
		Details: map[string]interface{}{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    CodeUnknown,
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
