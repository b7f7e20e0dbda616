package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/schema"
	"github.com/sandboxagent/agentd/internal/session"
)

// writeError renders err as an RFC 7807 Problem Details document (§7).
func writeError(c *gin.Context, err error) {
	schema.WriteProblem(c.Writer, schema.AsAgentError(err))
}

type createSessionRequest struct {
	Agent          schema.AgentKind      `json:"agent"`
	AgentMode      string                `json:"agentMode"`
	PermissionMode schema.PermissionMode `json:"permissionMode"`
	Model          string                `json:"model"`
	Variant        string                `json:"variant"`
	WorkspacePath  string                `json:"workspacePath"`
}

type createSessionResponse struct {
	Healthy        bool                  `json:"healthy"`
	AgentSessionID schema.AgentSessionID `json:"agentSessionId,omitempty"`
	Error          *schema.AgentError    `json:"error,omitempty"`
}

// handleCreateSession serves POST /v1/sessions/{id} (§6, §4.6 Create).
func (s *Server) handleCreateSession(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
		return
	}

	result, err := s.mgr.Create(c.Request.Context(), session.CreateRequest{
		SessionID:      id,
		AgentKind:      req.Agent,
		AgentMode:      req.AgentMode,
		PermissionMode: req.PermissionMode,
		Model:          req.Model,
		Variant:        req.Variant,
		WorkspacePath:  req.WorkspacePath,
	})
	if err != nil {
		// Create's own failure modes (bad agent, not installed, duplicate id)
		// are request errors, not "session unhealthy" results: they never
		// reached a live driver to report health on.
		writeError(c, err)
		return
	}
	if !result.Healthy {
		c.JSON(http.StatusOK, createSessionResponse{
			Healthy: false,
			Error:   schema.NewAgentError(schema.ErrorInstallFailed, "agent process failed to start"),
		})
		return
	}
	c.JSON(http.StatusOK, createSessionResponse{Healthy: true, AgentSessionID: result.AgentSessionID})
}

type updateSessionRequest struct {
	AgentMode      *string                `json:"agentMode"`
	PermissionMode *schema.PermissionMode `json:"permissionMode"`
	Model          *string                `json:"model"`
	Variant        *string                `json:"variant"`
}

type sessionInfoResponse struct {
	SessionID      schema.SessionID      `json:"sessionId"`
	Agent          schema.AgentKind      `json:"agent"`
	AgentMode      string                `json:"agentMode"`
	PermissionMode schema.PermissionMode `json:"permissionMode"`
	Model          string                `json:"model"`
	Variant        string                `json:"variant,omitempty"`
	AgentSessionID schema.AgentSessionID `json:"agentSessionId,omitempty"`
	State          schema.SessionState   `json:"state"`
	EventCount     int                   `json:"eventCount"`
}

func infoResponse(info session.Info) sessionInfoResponse {
	return sessionInfoResponse{
		SessionID:      info.SessionID,
		Agent:          info.AgentKind,
		AgentMode:      info.AgentMode,
		PermissionMode: info.PermissionMode,
		Model:          info.Model,
		Variant:        info.Variant,
		AgentSessionID: info.AgentSessionID,
		State:          info.State,
		EventCount:     info.EventCount,
	}
}

// handleUpdateSession serves PATCH /v1/sessions/{id} (§6, §4.6 Update). Only
// fields present in the body are changed; omitted fields keep their current
// value.
func (s *Server) handleUpdateSession(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))

	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
		return
	}

	err := s.mgr.Update(c.Request.Context(), id, session.UpdateRequest{
		AgentMode:      req.AgentMode,
		PermissionMode: req.PermissionMode,
		Model:          req.Model,
		Variant:        req.Variant,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	info, err := s.mgr.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, infoResponse(info))
}

type sendMessageRequest struct {
	Message schema.UniversalMessage `json:"message"`
}

type sendMessageResponse struct {
	Accepted bool `json:"accepted"`
}

// handleSendMessage serves POST /v1/sessions/{id}/messages (§6, §4.7 send).
func (s *Server) handleSendMessage(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
		return
	}
	if req.Message.Role == "" {
		req.Message.Role = "user"
	}

	if err := s.mgr.Send(c.Request.Context(), id, req.Message); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sendMessageResponse{Accepted: true})
}
