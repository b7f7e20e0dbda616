// Package driver defines the common Backend Driver contract of §4.4: the
// operations every SubprocessDriver and ServerDriver implementation exposes
// to the Session Core, independent of which agent protocol sits underneath.
package driver

import (
	"context"

	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
)

// UpdateRequest carries the subset of session fields that can change after
// a session is already running (§4.6 Update, §8 Claude/Amp model-lock
// property). Nil fields mean "leave unchanged" (Open Question (a)).
type UpdateRequest struct {
	Model          *string
	Variant        *string
	AgentMode      *string
	PermissionMode *schema.PermissionMode
}

// StartConfig is everything a driver needs to spawn or attach to an agent
// backend for one session.
type StartConfig struct {
	SessionID      schema.SessionID
	Agent          registry.AgentSpec
	WorkspacePath  string
	Env            map[string]string
	Mode           string
	PermissionMode schema.PermissionMode
	Model          string
	Logger         *logging.Logger

	// MCPServerURL, when non-empty, is the daemon's own MCP endpoint. Set
	// only for agents whose registry entry declares the mcpTools capability;
	// a SubprocessDriver injects it as an MCP server entry at spawn time.
	MCPServerURL string
}

// Driver is the common Backend Driver contract (§4.4): start/send/
// answer_question/reject_question/reply_permission/update/stop/events/
// health. SubprocessDriver and ServerDriver are the two implementations
// named in §4.4.1/§4.4.2; both satisfy this interface so Session Core code
// never branches on which one it's holding.
type Driver interface {
	// Start launches (SubprocessDriver) or attaches to (ServerDriver) the
	// agent backend and blocks until it is ready to accept Send calls.
	Start(ctx context.Context) error

	// Send delivers a prompt turn to the backend.
	Send(ctx context.Context, msg schema.UniversalMessage) error

	// AnswerQuestion resolves a pending QuestionRequest with selections.
	AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error

	// RejectQuestion resolves a pending QuestionRequest as rejected.
	RejectQuestion(ctx context.Context, questionID string) error

	// ReplyPermission resolves a pending PermissionRequest.
	ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error

	// Update applies a live configuration change (§4.6 Update).
	Update(ctx context.Context, req UpdateRequest) error

	// Stop tears down the backend for this session.
	Stop(ctx context.Context) error

	// Events returns the channel of EventData the driver emits as it
	// reads and converts native backend output. The Session Core is the
	// sole consumer; it stamps ids and appends each one to the session's
	// Event Log (§4.3). The channel is closed once the driver has fully
	// stopped and will emit nothing further.
	Events() <-chan schema.EventData

	// Health reports whether the backend is still responsive.
	Health(ctx context.Context) error
}

// Factory builds a Driver for one session from a StartConfig. Each
// protocol family (stream-json, codex, opencode, copilot) registers one.
type Factory func(cfg StartConfig) (Driver, error)
