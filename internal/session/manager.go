package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxagent/agentd/internal/appctx"
	"github.com/sandboxagent/agentd/internal/constants"
	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/eventlog"
	"github.com/sandboxagent/agentd/internal/hitl"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/persistence"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
	"github.com/sandboxagent/agentd/pkg/agent"
)

// CreateRequest is the input to Manager.Create (§4.6 Create).
type CreateRequest struct {
	SessionID      schema.SessionID
	AgentKind      schema.AgentKind
	AgentMode      string
	PermissionMode schema.PermissionMode
	Model          string
	Variant        string
	WorkspacePath  string
}

// CreateResult mirrors §4.6's "returns {healthy, error?, agentSessionId?}".
type CreateResult struct {
	Healthy        bool
	AgentSessionID schema.AgentSessionID
}

// UpdateRequest is the input to Manager.Update (§4.6 Update). Nil fields
// mean "leave unchanged" (Open Question (a)).
type UpdateRequest struct {
	Model          *string
	Variant        *string
	AgentMode      *string
	PermissionMode *schema.PermissionMode
}

// Manager owns the live session map keyed by client-chosen session id
// (§4.6). It is the one place session lifecycles and driver selection
// meet; everything else (HTTP layer, drivers) is stateless with respect
// to "which sessions exist".
type Manager struct {
	reg   *registry.Registry
	coord *hitl.Coordinator
	log   *logging.Logger

	factories map[agent.Protocol]driver.Factory

	retentionPerSession int
	subscriberBuffer    int

	mu       sync.RWMutex
	sessions map[schema.SessionID]*session

	persist      persistence.Hook
	mcpServerURL string
}

// Option configures optional Manager behavior beyond its required
// constructor arguments.
type Option func(*Manager)

// WithPersistence attaches a persistence hook (§6). Every session
// snapshot and Event Log append is mirrored to it on a best-effort basis;
// a nil hook (the default via NewManager) is equivalent to persistence.Noop.
func WithPersistence(hook persistence.Hook) Option {
	return func(m *Manager) { m.persist = hook }
}

// WithMCPServerURL records the daemon's own MCP endpoint. Create injects it
// into a session's StartConfig whenever the agent's registry entry declares
// the mcpTools capability, so that driver can hand the agent a tool-forwarding
// MCP server descriptor at spawn time.
func WithMCPServerURL(url string) Option {
	return func(m *Manager) { m.mcpServerURL = url }
}

// NewManager builds a Manager. factories maps each protocol in the Registry
// to the driver constructor that speaks it (wired in cmd/agentd).
func NewManager(reg *registry.Registry, coord *hitl.Coordinator, factories map[agent.Protocol]driver.Factory, retentionPerSession, subscriberBuffer int, log *logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		reg:                 reg,
		coord:               coord,
		log:                 log,
		factories:           factories,
		retentionPerSession: retentionPerSession,
		subscriberBuffer:    subscriberBuffer,
		sessions:            make(map[schema.SessionID]*session),
		persist:             persistence.Noop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates req, spawns a driver, and registers the new session
// (§4.6 Create).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.SessionID == "" {
		return CreateResult{}, schema.NewAgentError(schema.ErrorInvalidRequest, "sessionId is required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.SessionID]; exists {
		m.mu.Unlock()
		return CreateResult{}, schema.NewAgentError(schema.ErrorSessionExists,
			fmt.Sprintf("session %q already exists", req.SessionID))
	}
	// Reserve the id immediately so two concurrent Create calls for the
	// same id can't both pass the exists-check above. It carries a real
	// (empty) Event Log so a concurrent Get/List doesn't dereference nil
	// before the fully-built session replaces it below.
	placeholder := &session{
		id:    req.SessionID,
		state: schema.StateStarting,
		log:   eventlog.New(req.SessionID, m.retentionPerSession, m.subscriberBuffer),
	}
	m.sessions[req.SessionID] = placeholder
	m.mu.Unlock()

	spec, err := m.reg.Get(req.AgentKind)
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, err
	}

	agentMode, err := m.reg.NormalizeMode(req.AgentKind, req.AgentMode)
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, err
	}
	permissionMode, err := m.reg.NormalizePermissionMode(req.AgentKind, req.PermissionMode)
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, err
	}

	// Create itself does not auto-install: a missing binary here means the
	// caller should hit POST /agents/{id}/install first (§6), same as the
	// teacher's credential-check-before-spawn idiom of failing fast rather
	// than reaching into a side-effecting install flow mid-create.
	install, err := m.reg.CheckInstall(req.AgentKind)
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, err
	}
	if !install.Present {
		m.forget(req.SessionID)
		return CreateResult{}, schema.NewAgentError(schema.ErrorAgentNotInstalled,
			fmt.Sprintf("agent %q is not installed", req.AgentKind))
	}

	factory, ok := m.factories[spec.Protocol]
	if !ok {
		m.forget(req.SessionID)
		return CreateResult{}, schema.NewAgentError(schema.ErrorUnsupportedAgent,
			fmt.Sprintf("no driver registered for protocol %q", spec.Protocol))
	}

	model := req.Model
	if model == "" {
		model = spec.Models.Default
	}

	sessionLog := eventlog.New(req.SessionID, m.retentionPerSession, m.subscriberBuffer)
	sessLogger := m.log.WithSession(string(req.SessionID)).WithAgent(string(spec.ID))

	credEnv, err := m.reg.CredentialEnv(req.AgentKind)
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, err
	}

	mcpServerURL := ""
	if spec.Capabilities.MCPTools {
		mcpServerURL = m.mcpServerURL
	}

	drv, err := factory(driver.StartConfig{
		SessionID:      req.SessionID,
		Agent:          spec,
		WorkspacePath:  req.WorkspacePath,
		Env:            credEnv,
		Mode:           agentMode,
		PermissionMode: permissionMode,
		Model:          model,
		Logger:         sessLogger,
		MCPServerURL:   mcpServerURL,
	})
	if err != nil {
		m.forget(req.SessionID)
		return CreateResult{}, schema.NewAgentError(schema.ErrorInstallFailed, "constructing driver").Wrap(err)
	}

	sess := &session{
		id:             req.SessionID,
		agent:          spec,
		agentMode:      agentMode,
		permissionMode: permissionMode,
		model:          model,
		variant:        req.Variant,
		state:          schema.StateStarting,
		createdAt:      time.Now(),
		drv:            drv,
		log:            sessionLog,
	}

	m.mu.Lock()
	m.sessions[req.SessionID] = sess
	m.mu.Unlock()

	_ = m.persist.SaveSnapshot(ctx, snapshotFor(sess))
	go pump(sess, m.coord, m.log, m.persist)

	startCtx, cancel := context.WithTimeout(ctx, constants.SessionStartTimeout)
	defer cancel()
	if err := drv.Start(startCtx); err != nil {
		sess.transition(schema.StateCrashed)
		return CreateResult{Healthy: false}, err
	}

	return CreateResult{Healthy: true, AgentSessionID: sess.snapshot().AgentSessionID}, nil
}

// snapshotFor projects a session's current state into the persistence
// package's wire-independent Snapshot shape.
func snapshotFor(sess *session) persistence.Snapshot {
	info := sess.snapshot()
	return persistence.Snapshot{
		SessionID:      info.SessionID,
		AgentKind:      info.AgentKind,
		AgentMode:      info.AgentMode,
		PermissionMode: info.PermissionMode,
		Model:          info.Model,
		Variant:        info.Variant,
		AgentSessionID: info.AgentSessionID,
		State:          info.State,
		CreatedAt:      info.CreatedAt,
	}
}

func (m *Manager) forget(id schema.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Update applies live changes to model/variant/agentMode/permissionMode
// under the per-field constraints of §4.6 Update. All fields take effect or
// none do.
func (m *Manager) Update(ctx context.Context, id schema.SessionID, req UpdateRequest) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	driverReq := driver.UpdateRequest{}
	if req.PermissionMode != nil {
		normalized, err := m.reg.NormalizePermissionMode(sess.agent.ID, *req.PermissionMode)
		if err != nil {
			return err
		}
		driverReq.PermissionMode = &normalized
	}

	if req.Model != nil {
		if sess.modelLocked() {
			return schema.NewAgentError(schema.ErrorPermissionDenied, "model is locked after the native session has started").
				WithContext("reason", "model_locked_after_spawn")
		}
		driverReq.Model = req.Model
	}

	if req.Variant != nil {
		if !variantSupported(sess.agent) {
			return schema.NewAgentError(schema.ErrorModeNotSupported, "this agent does not support the variant field").
				WithContext("field", "variant")
		}
		driverReq.Variant = req.Variant
	}

	if req.AgentMode != nil {
		normalized, err := m.reg.NormalizeMode(sess.agent.ID, *req.AgentMode)
		if err != nil {
			return err
		}
		driverReq.AgentMode = &normalized
	}

	if err := sess.requireDriver(); err != nil {
		return err
	}
	if err := sess.drv.Update(ctx, driverReq); err != nil {
		return err
	}

	sess.mu.Lock()
	if req.Model != nil {
		sess.model = *req.Model
	}
	if req.Variant != nil {
		sess.variant = *req.Variant
	}
	if req.AgentMode != nil {
		sess.agentMode = *driverReq.AgentMode
	}
	if req.PermissionMode != nil {
		sess.permissionMode = *req.PermissionMode
	}
	sess.mu.Unlock()

	_ = m.persist.SaveSnapshot(ctx, snapshotFor(sess))

	return nil
}

// variantSupported reports whether an agent's protocol has a variant
// dimension. Only OpenCode's models carry a variant concept in this
// catalogue (§4.6 Update "variant: accepted for OpenCode").
func variantSupported(spec registry.AgentSpec) bool {
	return spec.Protocol == agent.ProtocolOpenCode
}

// Send enqueues a prompt turn (§4.7 "send: Ready, Busy (queued;
// FIFO per session)"). Starting buffers are handled by the driver's own
// internal FIFO (it won't call native send until it's ready); Ending/Ended/
// Crashed are rejected here.
func (m *Manager) Send(ctx context.Context, id schema.SessionID, msg schema.UniversalMessage) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	state := sess.currentState()
	if state == schema.StateEnding || state.Terminal() {
		return schema.NewAgentError(schema.ErrorSessionNotFound, fmt.Sprintf("session %q is not accepting messages", id))
	}
	if sess.drv == nil {
		// Between Create reserving the id and the driver finishing
		// construction; the caller's retry (or the driver's own internal
		// FIFO once it exists) catches this narrow window.
		return schema.NewAgentError(schema.ErrorTimeout, "session is still starting, try again shortly")
	}
	if !sess.agent.Capabilities.Images {
		for _, a := range msg.Attachments {
			if a.Kind == schema.AttachmentImage {
				return schema.NewAgentError(schema.ErrorModeNotSupported,
					fmt.Sprintf("agent %q does not support image attachments", sess.agent.ID))
			}
		}
	}
	if state == schema.StateReady {
		sess.transition(schema.StateBusy)
		sess.armTurnWatchdog(constants.TurnTimeout, func() { m.turnTimedOut(id) })
	}
	return sess.drv.Send(ctx, msg)
}

// turnTimedOut fires from a session's turn watchdog timer when a Busy
// session hasn't produced any driver event within the turn time budget. A
// session that's moved on (Ready, already Crashed, deleted) by the time the
// timer fires is left alone.
func (m *Manager) turnTimedOut(id schema.SessionID) {
	sess, err := m.get(id)
	if err != nil {
		return
	}
	if sess.currentState() != schema.StateBusy {
		return
	}
	sess.transition(schema.StateCrashed)
	m.coord.DropSession(id)
	event := sess.log.Append(schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorTimeout, "turn exceeded time budget")})
	_ = m.persist.AppendEvent(context.Background(), id, event)
	_ = m.persist.SaveSnapshot(context.Background(), snapshotFor(sess))
}

func (m *Manager) AnswerQuestion(ctx context.Context, id schema.SessionID, questionID string, answer schema.QuestionAnswer) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := m.coord.ResolveQuestion(questionID); err != nil {
		return err
	}
	return sess.drv.AnswerQuestion(ctx, questionID, answer)
}

func (m *Manager) RejectQuestion(ctx context.Context, id schema.SessionID, questionID string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := m.coord.ResolveQuestion(questionID); err != nil {
		return err
	}
	return sess.drv.RejectQuestion(ctx, questionID)
}

func (m *Manager) ReplyPermission(ctx context.Context, id schema.SessionID, permissionID string, reply schema.PermissionReply) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := m.coord.ResolvePermission(permissionID); err != nil {
		return err
	}
	return sess.drv.ReplyPermission(ctx, permissionID, reply)
}

// Delete stops the driver, flushes a terminal error event if the session
// hadn't already ended, and removes it from the map (§4.6 Delete).
func (m *Manager) Delete(ctx context.Context, id schema.SessionID) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	wasLive := !sess.currentState().Terminal()
	sess.transition(schema.StateEnding)

	var stopErr error
	if err := sess.requireDriver(); err == nil {
		// Detached rather than a plain child of ctx: a client that
		// disconnects mid-delete must not abort driver teardown, it only
		// drops the HTTP response it'll never read.
		stopCtx, cancel := appctx.Detached(ctx, nil, constants.SessionDeleteTimeout)
		stopErr = sess.drv.Stop(stopCtx)
		cancel()
	}

	if wasLive {
		sess.log.Append(schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorAgentProcessExited, "session deleted")})
	}
	sess.transition(schema.StateEnded)
	m.coord.DropSession(id)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	_ = m.persist.DeleteSession(ctx, id)

	return stopErr
}

// Get returns a snapshot of session id (§4.6 Get).
func (m *Manager) Get(id schema.SessionID) (Info, error) {
	sess, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return sess.snapshot(), nil
}

// List enumerates every live session (§4.6 List).
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Events exposes the underlying Event Log for id so the HTTP layer can
// serve range reads and SSE subscriptions directly (§6).
func (m *Manager) Events(id schema.SessionID) (*eventlog.Log, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return sess.log, nil
}

// Shutdown tears down every live session concurrently, bounded by ctx, for
// daemon shutdown (§5 "session delete cancels the driver"). Individual
// Delete failures are logged, not returned, so one stuck driver doesn't
// stop the rest from being torn down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]schema.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := m.Delete(gctx, id); err != nil {
				m.log.WithSession(string(id)).Warn("error tearing down session during shutdown")
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) get(id schema.SessionID) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, schema.NewAgentError(schema.ErrorSessionNotFound, fmt.Sprintf("session %q does not exist", id))
	}
	return sess, nil
}
