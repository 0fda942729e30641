package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/launchconfig"
	"github.com/ctagard/addin-debug/pkg/types"
)

// Session Management Handlers

func (s *Server) handleDebugLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.startSession(ctx, request, "launch")
}

func (s *Server) handleDebugAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.startSession(ctx, request, "attach")
}

func (s *Server) startSession(ctx context.Context, request mcp.CallToolRequest, requestKind string) (*mcp.CallToolResult, error) {
	var (
		cfg types.LaunchConfiguration
		err error
	)
	if configName := request.GetString("configName", ""); configName != "" {
		cfg, err = s.configFromLaunchJSON(request, configName, requestKind)
	} else {
		cfg, err = launchConfigFromArgs(request)
	}
	if err != nil {
		return toolError(err), nil
	}

	cfg = cfg.WithDefaults()
	o, err := s.deps.Sessions.Create(cfg.Port)
	if err != nil {
		return toolError(err), nil
	}

	if requestKind == "attach" {
		err = o.Attach(ctx, cfg)
	} else {
		err = o.Launch(ctx, cfg)
	}
	if err != nil {
		s.log.Info("Session failed to start", "session", o.ID(), "error", err.Error())
		if rerr := s.deps.Sessions.Remove(context.WithoutCancel(ctx), o.ID()); rerr != nil {
			s.log.V(1).Info("Removing failed session", "session", o.ID(), "error", rerr.Error())
		}
		return toolError(err), nil
	}

	return jsonResult(o.Info())
}

func launchConfigFromArgs(request mcp.CallToolRequest) (types.LaunchConfiguration, error) {
	cfg := types.LaunchConfiguration{
		Name:              request.GetString("name", ""),
		RuntimeExecutable: request.GetString("runtimeExecutable", ""),
		Port:              request.GetInt("port", 0),
		URL:               request.GetString("url", ""),
		WebRoot:           request.GetString("webRoot", ""),
		Trace:             request.GetString("trace", ""),
	}
	overrides, err := parseOverrides(request.GetString("sourceMapPathOverrides", ""))
	if err != nil {
		return cfg, err
	}
	cfg.SourceMapPathOverrides = overrides
	return cfg, nil
}

// configFromLaunchJSON loads an office-addin configuration from launch.json.
func (s *Server) configFromLaunchJSON(request mcp.CallToolRequest, configName, requestKind string) (types.LaunchConfiguration, error) {
	workspace := request.GetString("workspace", "")
	configPath := request.GetString("configPath", "")

	var (
		lj  *launchconfig.LaunchJSON
		err error
	)
	switch {
	case configPath != "":
		lj, err = launchconfig.LoadFromPath(configPath)
	case workspace != "":
		lj, configPath, err = launchconfig.LoadAndDiscover(workspace)
	default:
		return types.LaunchConfiguration{}, errors.MissingParameter("workspace",
			"workspace or configPath is required when using configName")
	}
	if err != nil {
		return types.LaunchConfiguration{}, errors.ConfigInvalid(configName, err.Error())
	}

	dc, err := launchconfig.FindConfiguration(lj, configName)
	if err != nil {
		return types.LaunchConfiguration{}, err
	}
	if dc.Request != requestKind {
		return types.LaunchConfiguration{}, errors.ConfigInvalid(configName,
			fmt.Sprintf("it is a %q configuration, use debug_%s instead", dc.Request, dc.Request))
	}

	if workspace == "" {
		workspace = launchconfig.GetWorkspaceFolder(configPath)
	}
	return dc.ToLaunchConfiguration(workspace)
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(errors.MissingParameter("sessionId", "Use debug_list_sessions to find session IDs.")), nil
	}

	o, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return toolError(err), nil
	}
	if err := o.Disconnect(ctx); err != nil {
		return toolError(err), nil
	}
	info := o.Info()

	if err := s.deps.Sessions.Remove(ctx, sessionID); err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    "disconnected",
		"history":   info.History,
	})
}

func (s *Server) handleDebugListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]interface{}{
		"sessions": s.deps.Sessions.List(),
	})
}

func (s *Server) handleDebugStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(errors.MissingParameter("sessionId", "Use debug_list_sessions to find session IDs.")), nil
	}

	o, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(o.Info())
}

// Diagnostics Handlers

func (s *Server) handleProbeTarget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port := request.GetInt("port", types.DefaultPort)

	target, err := s.deps.Prober.Probe(ctx, port)
	if err != nil {
		return toolError(err), nil
	}

	result := map[string]interface{}{
		"port":   port,
		"target": target,
	}
	// The page list is informational; older adapters do not serve it.
	if targets, err := s.deps.Prober.Targets(ctx, port); err == nil {
		result["targets"] = targets
	} else {
		s.log.V(1).Info("Listing targets failed", "port", port, "error", err.Error())
	}
	return jsonResult(result)
}

func (s *Server) handleCheckPrerequisites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executable := request.GetString("executable", s.deps.AdapterPath)

	if err := s.deps.Gate.CheckPrerequisites(ctx, executable); err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]interface{}{
		"executable": executable,
		"supported":  true,
	})
}

func (s *Server) handleResolveSourceMaps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	webRoot := request.GetString("webRoot", "")
	overrides, err := parseOverrides(request.GetString("sourceMapPathOverrides", ""))
	if err != nil {
		return toolError(err), nil
	}

	resolved, warnings := s.deps.Resolver.Resolve(webRoot, overrides)
	notes := make([]map[string]string, len(warnings))
	for i, w := range warnings {
		notes[i] = map[string]string{
			"pattern": w.Pattern,
			"value":   w.Value,
			"warning": w.String(),
		}
	}

	return jsonResult(map[string]interface{}{
		"webRoot":                webRoot,
		"sourceMapPathOverrides": resolved,
		"warnings":               notes,
	})
}

// parseOverrides decodes a JSON object keeping key order. Empty input means
// "use the defaults" and yields nil.
func parseOverrides(raw string) (*types.SourceMapOverrides, error) {
	if raw == "" {
		return nil, nil
	}
	overrides := types.NewSourceMapOverrides()
	if err := json.Unmarshal([]byte(raw), overrides); err != nil {
		return nil, errors.InvalidParameter("sourceMapPathOverrides", raw, "a JSON object of string patterns")
	}
	return overrides, nil
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// toolError renders err with its hint, keeping the structured code for clients.
func toolError(err error) *mcp.CallToolResult {
	de := errors.FromError(err)
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", de.Code, de.Error()))
}
