// Package httpapi implements the external HTTP surface of §6: the
// per-daemon REST + SSE API that fronts the Session Manager and Agent
// Registry, with RFC 7807 error rendering per §7.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/config"
	"github.com/sandboxagent/agentd/internal/httpmw"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/mcpserver"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/session"
)

// Server is the daemon's HTTP API surface.
type Server struct {
	cfg    config.ServerConfig
	mgr    *session.Manager
	reg    *registry.Registry
	log    *logging.Logger
	router *gin.Engine
	mcp    *mcpserver.Server
}

// NewServer builds a Server and registers every route named in §6. mcp may
// be nil; it's mounted at /mcp alongside the versioned /v1 surface rather
// than under it, since MCP carries its own protocol framing.
func NewServer(cfg config.ServerConfig, mgr *session.Manager, reg *registry.Registry, log *logging.Logger, mcp *mcpserver.Server) *Server {
	gin.SetMode(gin.ReleaseMode)

	if log == nil {
		log = logging.Default()
	}

	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		reg:    reg,
		log:    log.WithFields(),
		router: gin.New(),
		mcp:    mcp,
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "agentd"))
	s.router.Use(httpmw.OtelTracing("agentd"))
	s.router.Use(httpmw.CORS(cfg.AllowedOrigins))
	s.router.Use(httpmw.TokenAuth(cfg.Token))

	s.routes()
	return s
}

// Router returns the underlying handler for http.Server.Handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	v1 := s.router.Group("/v1")
	{
		v1.GET("/agents", s.handleListAgents)
		v1.POST("/agents/:id/install", s.handleInstallAgent)
		v1.GET("/agents/:id/modes", s.handleAgentModes)

		v1.POST("/sessions/:id", s.handleCreateSession)
		v1.PATCH("/sessions/:id", s.handleUpdateSession)
		v1.POST("/sessions/:id/messages", s.handleSendMessage)
		v1.GET("/sessions/:id/events", s.handleListEvents)
		v1.GET("/sessions/:id/events/sse", s.handleEventsSSE)
		v1.POST("/sessions/:id/questions/:qid/reply", s.handleAnswerQuestion)
		v1.POST("/sessions/:id/questions/:qid/reject", s.handleRejectQuestion)
		v1.POST("/sessions/:id/permissions/:pid/reply", s.handleReplyPermission)
	}

	if s.mcp != nil {
		s.mcp.RegisterRoutes(s.router)
	}
}
