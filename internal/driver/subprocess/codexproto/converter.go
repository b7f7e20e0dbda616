package codexproto

import (
	"encoding/json"
	"fmt"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/schema"
)

// Converter drives Codex's JSON-RPC-flavored stdio protocol. Codex is a
// long-lived process: one thread per session, sized turns within it, so
// RestartPerMessage is always false.
type Converter struct {
	// ApprovalPolicy is written into argv, defaulting to "untrusted" so
	// Codex requests approval for every command and file write.
	ApprovalPolicy string
}

func (c Converter) BuildArgv(cfg driver.StartConfig) []string {
	policy := c.ApprovalPolicy
	if policy == "" {
		policy = "untrusted"
	}
	return []string{
		cfg.Agent.Executable, "proto",
		"--cwd", cfg.WorkspacePath,
		"--approval-policy", policy,
	}
}

func (c Converter) Env(cfg driver.StartConfig) map[string]string {
	return nil
}

func (c Converter) EncodeMessage(msg schema.UniversalMessage) ([]byte, error) {
	return json.Marshal(notificationLine{
		Method: "turn/start",
		Params: mustRaw(map[string]string{"input": msg.Text}),
	})
}

func (c Converter) EncodeQuestionAnswer(questionID string, answer schema.QuestionAnswer) ([]byte, error) {
	decision := decisionDecline
	if sel, ok := answer.Selections[questionID]; ok && len(sel) > 0 {
		switch sel[0] {
		case "approve", "allow":
			decision = decisionAccept
		case "approveAlways", "allowAlways":
			decision = decisionAcceptSession
		}
	}
	return json.Marshal(responseLine{ID: mustRaw(questionID), Result: approvalDecision{Decision: decision}})
}

func (c Converter) EncodeQuestionReject(questionID string) ([]byte, error) {
	return json.Marshal(responseLine{ID: mustRaw(questionID), Result: approvalDecision{Decision: decisionDecline}})
}

func (c Converter) EncodePermissionReply(permissionID string, reply schema.PermissionReply) ([]byte, error) {
	decision := decisionDecline
	switch reply {
	case schema.PermissionReplyOnce:
		decision = decisionAccept
	case schema.PermissionReplyAlways:
		decision = decisionAcceptSession
	}
	return json.Marshal(responseLine{ID: mustRaw(permissionID), Result: approvalDecision{Decision: decision}})
}

func (c Converter) DecodeLine(line []byte) schema.EventData {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return schema.UnparsedEventData{Raw: string(line)}
	}

	if len(probe.ID) > 0 {
		return c.decodeRequest(probe.ID, probe.Method, probe.Params, line)
	}
	return c.decodeNotification(probe.Method, probe.Params, line)
}

func (c Converter) decodeNotification(method string, params json.RawMessage, raw []byte) schema.EventData {
	switch method {
	case methodThreadStarted:
		var p threadStartedParams
		if err := json.Unmarshal(params, &p); err == nil {
			return schema.StartedEventData{AgentSessionID: schema.AgentSessionID(p.ThreadID)}
		}
	case methodAgentMessageDelta:
		var p agentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err == nil {
			return schema.MessageEventData{Message: schema.UniversalMessage{Role: "assistant", Text: p.Delta}}
		}
	case methodTurnCompleted:
		var p turnCompletedParams
		if err := json.Unmarshal(params, &p); err == nil && !p.Success && p.Error != "" {
			return schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorStream, p.Error)}
		}
	case methodError:
		var p errorParams
		if err := json.Unmarshal(params, &p); err == nil {
			return schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorStream, fmt.Sprintf("codex error %d: %s", p.Code, p.Message))}
		}
	}
	return schema.UnparsedEventData{Raw: string(raw)}
}

func (c Converter) decodeRequest(id json.RawMessage, method string, params json.RawMessage, raw []byte) schema.EventData {
	switch method {
	case methodCmdExecRequestApproval:
		var p commandApprovalParams
		if err := json.Unmarshal(params, &p); err == nil {
			return schema.PermissionAskedEventData{Permission: schema.PermissionRequest{
				ID:          string(id),
				ToolName:    "commandExecution",
				Description: p.Command,
				Input:       map[string]any{"command": p.Command, "cwd": p.Cwd},
			}}
		}
	case methodFileChangeApproval:
		var p fileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err == nil {
			return schema.PermissionAskedEventData{Permission: schema.PermissionRequest{
				ID:          string(id),
				ToolName:    "fileChange",
				Description: p.Path,
				Input:       map[string]any{"path": p.Path, "diff": p.Diff},
			}}
		}
	}
	return schema.UnparsedEventData{Raw: string(raw)}
}

func (c Converter) RestartPerMessage() bool { return false }

func (c Converter) ContinuationArgv(argv []string, nativeSessionID string) []string {
	if nativeSessionID == "" {
		return argv
	}
	return append(argv, "--resume", nativeSessionID)
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
