// Package mcpserver exposes agentd's own session and registry state as MCP
// tools, so an agent driven by one session can introspect and message the
// other sessions this daemon is managing. Only agents whose registry entry
// declares the mcpTools capability are handed this server's URL at spawn
// time (session.Manager.Create, driver.StartConfig.MCPServerURL).
package mcpserver

import (
	"context"

	"github.com/gin-gonic/gin"
	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/session"
)

// Server wraps an MCP server forwarding tool calls into a Manager/Registry.
type Server struct {
	mgr *session.Manager
	reg *registry.Registry
	log *logging.Logger

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New builds the MCP server and registers its tool set. EndpointPath is
// where RegisterRoutes mounts the Streamable HTTP transport, matching the
// path callers put in driver.StartConfig.MCPServerURL.
func New(mgr *session.Manager, reg *registry.Registry, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	s := &Server{
		mgr: mgr,
		reg: reg,
		log: log.WithFields(),
	}

	s.mcpServer = server.NewMCPServer(
		"agentd-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	return s
}

// RegisterRoutes mounts the Streamable HTTP MCP transport onto router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.Any("/mcp", gin.WrapH(s.httpServer))
}

// Close shuts down the underlying transport server.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcpsdk.NewTool("list_agents",
			mcpsdk.WithDescription("List every agent kind this daemon can drive and whether its backend is installed."),
		),
		s.listAgentsHandler(),
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("list_sessions",
			mcpsdk.WithDescription("List every live session this daemon is currently managing, across every agent kind."),
		),
		s.listSessionsHandler(),
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("get_session",
			mcpsdk.WithDescription("Get the current state of one session by id."),
			mcpsdk.WithString("session_id", mcpsdk.Required(), mcpsdk.Description("The session id")),
		),
		s.getSessionHandler(),
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("send_message",
			mcpsdk.WithDescription("Send a prompt turn to another live session this daemon is managing. Use list_sessions first to find a session id."),
			mcpsdk.WithString("session_id", mcpsdk.Required(), mcpsdk.Description("The target session id")),
			mcpsdk.WithString("text", mcpsdk.Required(), mcpsdk.Description("The message text to send")),
		),
		s.sendMessageHandler(),
	)
}
