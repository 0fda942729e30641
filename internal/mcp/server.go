// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes the add-in debugging session lifecycle through MCP
// tools:
//
// Session Management:
//   - debug_launch: Start a session, spawning the Edge diagnostics adapter if needed
//   - debug_attach: Attach to an adapter that is already listening
//   - debug_disconnect: Tear a session down
//   - debug_list_sessions: List sessions
//   - debug_status: Report one session's state and history
//
// Diagnostics:
//   - probe_target: Ask a DevTools port who owns it
//   - check_prerequisites: Run the host prerequisite checks
//   - resolve_source_maps: Show how sourceMapPathOverrides resolve against a webRoot
package mcp

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/addin-debug/internal/session"
	"github.com/ctagard/addin-debug/internal/version"
	"github.com/ctagard/addin-debug/pkg/types"
)

// shutdownTimeout bounds session teardown when the server stops.
const shutdownTimeout = 10 * time.Second

// TargetProber is the part of the DevTools probe the diagnostic tools use.
type TargetProber interface {
	Probe(ctx context.Context, port int) (*types.TargetDescriptor, error)
	Targets(ctx context.Context, port int) ([]types.TargetDescriptor, error)
}

// Deps are the services behind the tools.
type Deps struct {
	Sessions *session.Manager
	Prober   TargetProber
	Gate     session.Gate
	Resolver session.OverrideResolver
	// AdapterPath is checked by check_prerequisites when no executable is given.
	AdapterPath string
}

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
	log       logr.Logger
}

// NewServer creates a new addin-debug MCP server
func NewServer(deps Deps, log logr.Logger) *Server {
	mcpServer := server.NewMCPServer(
		version.ProjectName,
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		deps:      deps,
		log:       log.WithName("mcp"),
	}

	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close tears down every session.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.deps.Sessions.Close(ctx)
}

// MCPServer returns the underlying mcp-go server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
