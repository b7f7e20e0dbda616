package streamjson

import (
	"encoding/json"
	"fmt"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/schema"
)

// exitPlanModeTool is the tool name Claude Code uses to ask whether to
// leave plan mode; §4.5 requires surfacing it as a two-option question
// rather than a generic tool-use permission.
const exitPlanModeTool = "ExitPlanMode"

// Converter drives the stream-json protocol for Claude (long-lived stdin)
// and Amp (one process per prompt turn, §4.4.1's RestartPerMessage model).
type Converter struct {
	// ContinueFlag is the argv flag used to carry a prior native session id
	// into a new process ("--resume" for Claude if ever restarted,
	// "--continue" for Amp's per-prompt model). Empty means this protocol
	// never restarts mid-session.
	ContinueFlag string
	// Restart enables Amp's continuation-per-prompt spawn model.
	Restart bool
	// ExtraArgv is appended after the base argv, e.g. ["--print",
	// "--output-format", "stream-json", "--input-format", "stream-json"].
	ExtraArgv []string
	// ModelFlag is the CLI flag used to pin a model at spawn time, e.g.
	// "--model".
	ModelFlag string
	// PermissionModeFlag is the CLI flag used to pin a permission mode at
	// spawn time, e.g. "--permission-mode".
	PermissionModeFlag string
}

func (c Converter) BuildArgv(cfg driver.StartConfig) []string {
	argv := []string{cfg.Agent.Executable}
	argv = append(argv, c.ExtraArgv...)
	if c.ModelFlag != "" && cfg.Model != "" {
		argv = append(argv, c.ModelFlag, cfg.Model)
	}
	if c.PermissionModeFlag != "" && cfg.PermissionMode != "" {
		argv = append(argv, c.PermissionModeFlag, string(cfg.PermissionMode))
	}
	return argv
}

func (c Converter) Env(cfg driver.StartConfig) map[string]string {
	return nil
}

func (c Converter) EncodeMessage(msg schema.UniversalMessage) ([]byte, error) {
	line := outboundUserLine{
		Type: "user",
		Message: wireMessage{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: msg.Text}},
		},
	}
	return json.Marshal(line)
}

func (c Converter) EncodeQuestionAnswer(questionID string, answer schema.QuestionAnswer) ([]byte, error) {
	// ExitPlanMode's two options map onto allow/deny; any selection other
	// than the first option is treated as "keep planning" (deny).
	subtype := "deny"
	if sel, ok := answer.Selections[questionID]; ok && len(sel) > 0 && sel[0] == "proceed" {
		subtype = "allow"
	}
	return json.Marshal(controlResponseLine{
		Type:     "control_response",
		Response: controlResponse{Subtype: subtype, RequestID: questionID},
	})
}

func (c Converter) EncodeQuestionReject(questionID string) ([]byte, error) {
	return json.Marshal(controlResponseLine{
		Type:     "control_response",
		Response: controlResponse{Subtype: "deny", RequestID: questionID},
	})
}

func (c Converter) EncodePermissionReply(permissionID string, reply schema.PermissionReply) ([]byte, error) {
	subtype := "deny"
	if reply == schema.PermissionReplyOnce || reply == schema.PermissionReplyAlways {
		subtype = "allow"
	}
	return json.Marshal(controlResponseLine{
		Type:     "control_response",
		Response: controlResponse{Subtype: subtype, RequestID: permissionID},
	})
}

func (c Converter) DecodeLine(line []byte) schema.EventData {
	var in inboundLine
	if err := json.Unmarshal(line, &in); err != nil {
		return schema.UnparsedEventData{Raw: string(line)}
	}

	switch in.Type {
	case "system":
		if in.Subtype == "init" || in.SessionID != "" {
			return schema.StartedEventData{AgentSessionID: schema.AgentSessionID(in.SessionID)}
		}
	case "assistant", "user":
		if in.Message != nil {
			return schema.MessageEventData{Message: schema.UniversalMessage{
				Role: in.Message.Role,
				Text: joinText(in.Message.Content),
			}}
		}
	case "control_request":
		if in.ToolName == exitPlanModeTool {
			return schema.QuestionAskedEventData{Question: schema.QuestionRequest{
				ID: in.RequestID,
				Questions: []schema.Question{{
					ID:     in.RequestID,
					Prompt: "Leave plan mode and proceed?",
					Options: []schema.QuestionOption{
						{ID: "proceed", Label: "Yes, proceed"},
						{ID: "keep_planning", Label: "No, keep planning"},
					},
				}},
			}}
		}
		return schema.PermissionAskedEventData{Permission: schema.PermissionRequest{
			ID:       in.RequestID,
			ToolName: in.ToolName,
			Input:    rawToMap(in.ToolInput),
		}}
	case "error", "result":
		if in.Error != "" || in.Subtype == "error" {
			return schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorStream, fmt.Sprintf("agent reported an error: %s", in.Error))}
		}
	}

	return schema.UnparsedEventData{Raw: string(line)}
}

func (c Converter) RestartPerMessage() bool { return c.Restart }

func (c Converter) ContinuationArgv(argv []string, nativeSessionID string) []string {
	if c.ContinueFlag == "" || nativeSessionID == "" {
		return argv
	}
	return append(argv, c.ContinueFlag, nativeSessionID)
}

func joinText(blocks []contentBlock) string {
	text := ""
	for _, b := range blocks {
		text += b.Text
	}
	return text
}

func rawToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
