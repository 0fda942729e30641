package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// Session Management
	s.registerDebugLaunch()
	s.registerDebugAttach()
	s.registerDebugDisconnect()
	s.registerDebugListSessions()
	s.registerDebugStatus()

	// Diagnostics
	s.registerProbeTarget()
	s.registerCheckPrerequisites()
	s.registerResolveSourceMaps()
}

// launchOptions are shared by debug_launch and debug_attach.
func launchOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("port",
			mcp.Description("Remote debugging port of the Edge diagnostics adapter (default: 9222)"),
		),
		mcp.WithString("url",
			mcp.Description("Add-in page URL, e.g. https://localhost:3000/taskpane.html. A spawned adapter navigates to it."),
		),
		mcp.WithString("webRoot",
			mcp.Description("Root of the add-in source files; substituted for ${workspaceFolder} in sourceMapPathOverrides"),
		),
		mcp.WithString("sourceMapPathOverrides",
			mcp.Description("JSON object mapping source URL patterns to local paths. Order is preserved. Defaults cover webpack and meteor layouts."),
		),
		mcp.WithString("trace",
			mcp.Description("Enable diagnostic logging in the attach adapter, e.g. 'verbose'"),
		),
		mcp.WithString("name",
			mcp.Description("Display name of the session"),
		),
		// Launch.json configuration support
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of an office-addin configuration in launch.json. If provided, loads settings from launch.json."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for ${workspaceFolder} and config discovery."),
		),
	}
}

func (s *Server) registerDebugLaunch() {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Start an Office add-in debug session. Reuses an Edge diagnostics adapter already listening on the port, otherwise spawns one, then attaches the script debugger. Returns the sessionId needed by the other tools."),
		mcp.WithString("runtimeExecutable",
			mcp.Description("Path to the Edge diagnostics adapter executable. Defaults to the configured adapter.path."),
		),
	}, launchOptions()...)
	s.mcpServer.AddTool(mcp.NewTool("debug_launch", opts...), s.handleDebugLaunch)
}

func (s *Server) registerDebugAttach() {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Attach to an Edge diagnostics adapter for an Office add-in. Can use direct arguments OR reference a launch.json configuration."),
	}, launchOptions()...)
	s.mcpServer.AddTool(mcp.NewTool("debug_attach", opts...), s.handleDebugAttach)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("Disconnect a debug session: closes the page target, stops a spawned adapter and detaches the script debugger"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List debug sessions with their state, port and target"),
	)
	s.mcpServer.AddTool(tool, s.handleDebugListSessions)
}

func (s *Server) registerDebugStatus() {
	tool := mcp.NewTool("debug_status",
		mcp.WithDescription("Get one session's state, state history, adapter process and target"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStatus)
}

func (s *Server) registerProbeTarget() {
	tool := mcp.NewTool("probe_target",
		mcp.WithDescription("Probe a DevTools port: reports whether nothing is listening, the Edge adapter is listening, or another browser owns the port"),
		mcp.WithNumber("port",
			mcp.Description("Port to probe (default: 9222)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleProbeTarget)
}

func (s *Server) registerCheckPrerequisites() {
	tool := mcp.NewTool("check_prerequisites",
		mcp.WithDescription("Check that this host can run the Edge diagnostics adapter: executable present, Windows 10 1903 or later, Node.js 10 or later"),
		mcp.WithString("executable",
			mcp.Description("Adapter executable to check. Defaults to the configured adapter.path."),
		),
	)
	s.mcpServer.AddTool(tool, s.handleCheckPrerequisites)
}

func (s *Server) registerResolveSourceMaps() {
	tool := mcp.NewTool("resolve_source_maps",
		mcp.WithDescription("Resolve sourceMapPathOverrides against a webRoot and report entries that could not be resolved"),
		mcp.WithString("webRoot",
			mcp.Description("Root of the add-in source files"),
		),
		mcp.WithString("sourceMapPathOverrides",
			mcp.Description("JSON object of overrides. The built-in defaults are used when omitted."),
		),
	)
	s.mcpServer.AddTool(tool, s.handleResolveSourceMaps)
}
