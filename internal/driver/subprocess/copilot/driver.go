// Package copilot implements driver.Driver directly against
// github.com/github/copilot-sdk/go (§4.4.1): the SDK owns its own process
// and JSON-RPC plumbing, so unlike the other backends this driver does not
// sit on top of subprocess.Driver's generic scaffold.
package copilot

import (
	"context"
	"fmt"
	"sync"

	copilotsdk "github.com/github/copilot-sdk/go"
	"github.com/google/uuid"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/schema"
)

// Driver drives one Copilot session through the SDK client.
type Driver struct {
	cfg driver.StartConfig
	log *logging.Logger

	mu      sync.Mutex
	client  *copilotsdk.Client
	session *copilotsdk.Session
	unsub   func()

	pending map[string]chan schema.PermissionReply

	events chan schema.EventData
}

// New constructs a Copilot driver for cfg.
func New(cfg driver.StartConfig) *Driver {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Driver{
		cfg:     cfg,
		log:     log.WithSession(string(cfg.SessionID)).WithAgent(string(cfg.Agent.ID)),
		pending: make(map[string]chan schema.PermissionReply),
		events:  make(chan schema.EventData, 64),
	}
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.client = copilotsdk.NewClient(nil)
	d.client.SetPermissionHandler(d.handlePermission)
	d.client.SetEventHandler(d.handleSessionEvent)

	if err := d.client.Start(ctx); err != nil {
		return schema.NewAgentError(schema.ErrorInstallFailed, "starting copilot SDK client").Wrap(err)
	}

	sessionID, err := d.client.CreateSession(ctx, d.sessionConfig())
	if err != nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "creating copilot session").Wrap(err)
	}

	d.emit(schema.StartedEventData{AgentSessionID: schema.AgentSessionID(sessionID)})
	return nil
}

// sessionConfig builds the SDK session options, injecting the daemon's
// tool-forwarding MCP server as a remote server entry when the agent's
// mcpTools capability is set (driver.StartConfig.MCPServerURL non-empty).
// Returns nil rather than an empty SessionConfig when there's nothing to set.
func (d *Driver) sessionConfig() *copilotsdk.SessionConfig {
	if d.cfg.MCPServerURL == "" {
		return nil
	}
	return &copilotsdk.SessionConfig{
		MCPServers: map[string]copilotsdk.MCPServerConfig{
			"agentd": {
				"type": "http",
				"url":  d.cfg.MCPServerURL,
			},
		},
	}
}

func (d *Driver) handleSessionEvent(evt copilotsdk.SessionEvent) {
	switch evt.Type {
	case copilotsdk.EventTypeAssistantMessage, copilotsdk.EventTypeAssistantMessageDelta:
		d.emit(schema.MessageEventData{Message: schema.UniversalMessage{Role: "assistant", Text: evt.Text}})
	case copilotsdk.EventTypeSessionError:
		d.emit(schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorStream, evt.Text)})
	}
}

// handlePermission bridges the SDK's blocking permission callback onto
// §4.5's reply_permission operation: it publishes a PermissionAskedEventData
// and blocks until ReplyPermission delivers an answer for this tool call id.
func (d *Driver) handlePermission(req copilotsdk.PermissionRequest, _ copilotsdk.PermissionInvocation) (copilotsdk.PermissionRequestResult, error) {
	permissionID := req.ToolCallID
	if permissionID == "" {
		permissionID = uuid.NewString()
	}

	reply := make(chan schema.PermissionReply, 1)
	d.mu.Lock()
	d.pending[permissionID] = reply
	d.mu.Unlock()

	d.emit(schema.PermissionAskedEventData{Permission: schema.PermissionRequest{
		ID:       permissionID,
		ToolName: req.Kind,
		Input:    req.Extra,
	}})

	answer := <-reply

	d.mu.Lock()
	delete(d.pending, permissionID)
	d.mu.Unlock()

	switch answer {
	case schema.PermissionReplyOnce, schema.PermissionReplyAlways:
		return copilotsdk.PermissionRequestResult{Kind: "approved"}, nil
	default:
		return copilotsdk.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
	}
}

func (d *Driver) emit(data schema.EventData) {
	defer func() { _ = recover() }()
	d.events <- data
}

func (d *Driver) Send(ctx context.Context, msg schema.UniversalMessage) error {
	d.mu.Lock()
	session := d.session
	client := d.client
	d.mu.Unlock()

	if client == nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "copilot client is not running")
	}
	_ = session

	if _, err := client.Send(ctx, msg.Text); err != nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "sending message to copilot session").Wrap(err)
	}
	return nil
}

// AnswerQuestion is unsupported: Copilot's SDK surfaces everything as a
// permission request, never a multi-option question (§4.5 capability note).
func (d *Driver) AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error {
	return schema.NewAgentError(schema.ErrorInvalidRequest, "copilot backend has no question concept, only permissions")
}

func (d *Driver) RejectQuestion(ctx context.Context, questionID string) error {
	return schema.NewAgentError(schema.ErrorInvalidRequest, "copilot backend has no question concept, only permissions")
}

func (d *Driver) ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error {
	d.mu.Lock()
	ch, ok := d.pending[permissionID]
	d.mu.Unlock()
	if !ok {
		return schema.NewAgentError(schema.ErrorInvalidRequest, fmt.Sprintf("no pending permission %q", permissionID))
	}
	ch <- reply
	return nil
}

func (d *Driver) Update(ctx context.Context, req driver.UpdateRequest) error {
	if req.Model != nil {
		d.cfg.Model = *req.Model
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	unsub := d.unsub
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if client == nil {
		return nil
	}
	if err := client.Stop(); err != nil {
		return schema.NewAgentError(schema.ErrorTimeout, "stopping copilot SDK client").Wrap(err)
	}
	close(d.events)
	return nil
}

func (d *Driver) Events() <-chan schema.EventData { return d.events }

func (d *Driver) Health(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil || !d.client.IsStarted() {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "copilot client is not running")
	}
	return nil
}
