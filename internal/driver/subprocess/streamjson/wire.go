// Package streamjson implements the stream-json Converter shared by Claude
// Code and Amp (§4.4.1): a streaming JSON-lines protocol over stdin/stdout
// with inline control requests for tool permissions and ExitPlanMode.
package streamjson

import "encoding/json"

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type outboundUserLine struct {
	Type    string      `json:"type"`
	Message wireMessage `json:"message"`
}

type controlResponseLine struct {
	Type     string          `json:"type"`
	Response controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string `json:"subtype"` // "allow" or "deny"
	RequestID string `json:"request_id"`
}

// inboundLine is the superset of fields any native stream-json line might
// carry; DecodeLine inspects Type then picks the relevant sub-fields.
type inboundLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *wireMessage    `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Error     string          `json:"error,omitempty"`
}
