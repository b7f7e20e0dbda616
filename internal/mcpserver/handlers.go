package mcpserver

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sandboxagent/agentd/internal/schema"
)

func (s *Server) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		type agentInfo struct {
			ID        schema.AgentKind `json:"id"`
			Name      string           `json:"name"`
			Installed bool             `json:"installed"`
		}
		var out []agentInfo
		for _, spec := range s.reg.List() {
			install, err := s.reg.CheckInstall(spec.ID)
			if err != nil {
				continue
			}
			out = append(out, agentInfo{ID: spec.ID, Name: spec.Name, Installed: install.Present})
		}
		return jsonResult(out)
	}
}

func (s *Server) listSessionsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		type sessionInfo struct {
			SessionID schema.SessionID    `json:"sessionId"`
			AgentKind schema.AgentKind    `json:"agentKind"`
			State     schema.SessionState `json:"state"`
		}
		var out []sessionInfo
		for _, info := range s.mgr.List() {
			out = append(out, sessionInfo{SessionID: info.SessionID, AgentKind: info.AgentKind, State: info.State})
		}
		return jsonResult(out)
	}
}

func (s *Server) getSessionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpsdk.NewToolResultError("session_id is required"), nil
		}
		info, err := s.mgr.Get(schema.SessionID(id))
		if err != nil {
			return mcpsdk.NewToolResultError(err.Error()), nil
		}
		return jsonResult(info)
	}
}

func (s *Server) sendMessageHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpsdk.NewToolResultError("session_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpsdk.NewToolResultError("text is required"), nil
		}
		msg := schema.UniversalMessage{Role: "user", Text: text}
		if sendErr := s.mgr.Send(ctx, schema.SessionID(id), msg); sendErr != nil {
			return mcpsdk.NewToolResultError(sendErr.Error()), nil
		}
		return mcpsdk.NewToolResultText("message sent"), nil
	}
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	return mcpsdk.NewToolResultText(string(data)), nil
}
