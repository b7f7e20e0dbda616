package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/schema"
)

type agentSummary struct {
	ID             schema.AgentKind `json:"id"`
	Name           string           `json:"name"`
	Installed      bool             `json:"installed"`
	Version        string           `json:"version,omitempty"`
	ExecutablePath string           `json:"executablePath,omitempty"`
}

type listAgentsResponse struct {
	Agents []agentSummary `json:"agents"`
}

// handleListAgents serves GET /v1/agents (§6): every registered agent kind
// plus its live install status.
func (s *Server) handleListAgents(c *gin.Context) {
	specs := s.reg.List()
	out := make([]agentSummary, 0, len(specs))
	for _, spec := range specs {
		install, err := s.reg.CheckInstall(spec.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, agentSummary{
			ID:             spec.ID,
			Name:           spec.Name,
			Installed:      install.Present,
			Version:        install.Version,
			ExecutablePath: install.ExecutablePath,
		})
	}
	c.JSON(http.StatusOK, listAgentsResponse{Agents: out})
}

type installAgentRequest struct {
	Reinstall bool `json:"reinstall"`
}

type installAgentResponse struct {
	Installed bool                 `json:"installed"`
	Install   schema.AgentInstall  `json:"install"`
	Error     *schema.AgentError   `json:"error,omitempty"`
}

// handleInstallAgent serves POST /v1/agents/{id}/install. The registry has
// no real install side-effect to trigger (agents are expected to already be
// on PATH, per §4.1's credential_env/executable fields); this re-probes
// CheckInstall and reports whatever it finds, treating "reinstall" as a
// no-op hint rather than a real reinstall trigger.
func (s *Server) handleInstallAgent(c *gin.Context) {
	kind := schema.AgentKind(c.Param("id"))

	var req installAgentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
			return
		}
	}

	install, err := s.reg.CheckInstall(kind)
	if err != nil {
		writeError(c, err)
		return
	}
	if !install.Present {
		c.JSON(http.StatusOK, installAgentResponse{
			Installed: false,
			Install:   install,
			Error: schema.NewAgentError(schema.ErrorInstallFailed,
				"agent binary not found on PATH; install it out of band and retry"),
		})
		return
	}
	c.JSON(http.StatusOK, installAgentResponse{Installed: true, Install: install})
}

type agentMode struct {
	ID string `json:"id"`
}

type agentModesResponse struct {
	Modes []agentMode `json:"modes"`
}

// handleAgentModes serves GET /v1/agents/{id}/modes (§6, §4.1 "modes").
func (s *Server) handleAgentModes(c *gin.Context) {
	kind := schema.AgentKind(c.Param("id"))
	modes, err := s.reg.Modes(kind)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]agentMode, 0, len(modes))
	for _, m := range modes {
		out = append(out, agentMode{ID: m})
	}
	c.JSON(http.StatusOK, agentModesResponse{Modes: out})
}
