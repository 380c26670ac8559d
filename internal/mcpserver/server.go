// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes version management tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/seralt/comfyctl/internal/manager"
)

// Server wraps the MCP server with comfyctl tools.
type Server struct {
	mcp *server.MCPServer
	mgr *manager.Manager
}

// New creates a new MCP server with all comfyctl tools registered.
func New(mgr *manager.Manager) *Server {
	s := &Server{mgr: mgr}

	s.mcp = server.NewMCPServer(
		"comfyctl",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_releases",
		mcp.WithDescription("List ComfyUI releases available for install, newest first."),
		mcp.WithBoolean("refresh", mcp.Description("Force a refresh of the release catalog")),
	), s.listReleases)

	s.mcp.AddTool(mcp.NewTool("list_installed",
		mcp.WithDescription("List installed ComfyUI versions with their status and install path."),
	), s.listInstalled)

	s.mcp.AddTool(mcp.NewTool("install_version",
		mcp.WithDescription("Start installing a ComfyUI release in the background. "+
			"Returns an operation id; poll it with get_operation."),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Release tag (e.g. v0.3.1)")),
	), s.installVersion)

	s.mcp.AddTool(mcp.NewTool("get_operation",
		mcp.WithDescription("Poll a background operation's progress by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Operation id returned by install_version")),
	), s.getOperation)

	s.mcp.AddTool(mcp.NewTool("switch_version",
		mcp.WithDescription("Make an installed version the active one. "+
			"If the server is running it is stopped first and restarted on the new version."),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Release tag of an installed version")),
	), s.switchVersion)

	s.mcp.AddTool(mcp.NewTool("uninstall_version",
		mcp.WithDescription("Remove an installed version and its shortcuts. The active version is refused."),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Release tag of an installed version")),
	), s.uninstallVersion)

	s.mcp.AddTool(mcp.NewTool("server_status",
		mcp.WithDescription("Report the supervised ComfyUI server state, active version, and pid."),
	), s.serverStatus)

	s.mcp.AddTool(mcp.NewTool("stop_server",
		mcp.WithDescription("Stop the running ComfyUI server."),
	), s.stopServer)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listReleases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refresh := req.GetBool("refresh", false)
	releases, err := s.mgr.ListAvailable(ctx, refresh)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(releases, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listInstalled(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	installed, err := s.mgr.ListInstalled()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(installed, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) installVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag, err := req.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opID, err := s.mgr.InstallAsync(tag)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("install started, operation id: %s", opID)), nil
}

func (s *Server) getOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	op, ok := s.mgr.Operation(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("operation not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(op, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) switchVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag, err := req.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.mgr.SwitchTo(ctx, tag); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("switched to: %s", tag)), nil
}

func (s *Server) uninstallVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag, err := req.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.mgr.Uninstall(tag); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("uninstalled: %s", tag)), nil
}

func (s *Server) serverStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(s.mgr.ServerStatus(), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) stopServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.mgr.StopServer(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("server stopped"), nil
}
