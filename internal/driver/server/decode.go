package server

import (
	"encoding/json"

	"github.com/sandboxagent/agentd/internal/schema"
)

// decodeEvent converts one SSE envelope into the UniversalEventData variant
// a session's converter is responsible for producing (§4.4.2 step 4). Every
// envelope produces exactly one EventData, falling back to UnparsedEventData
// for shapes this driver does not recognize.
func decodeEvent(env eventEnvelope, raw string) schema.EventData {
	switch env.Type {
	case "message.part.updated":
		var p messagePartUpdatedProperties
		if json.Unmarshal(env.Properties, &p) == nil && p.Part.Type == "text" {
			text := p.Delta
			if text == "" {
				text = p.Part.Text
			}
			return schema.MessageEventData{Message: schema.UniversalMessage{Role: "assistant", Text: text}}
		}
	case "permission.asked":
		var p permissionAskedProperties
		if json.Unmarshal(env.Properties, &p) == nil {
			return schema.PermissionAskedEventData{Permission: schema.PermissionRequest{
				ID:       p.ID,
				ToolName: p.Permission,
				Input:    p.Metadata,
			}}
		}
	case "session.error":
		var p sessionErrorProperties
		if json.Unmarshal(env.Properties, &p) == nil && p.Error != nil {
			return schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorStream, p.Error.Message)}
		}
	}
	return schema.UnparsedEventData{Raw: raw}
}
