// Package session implements the Session Manager (§4.6) and Session State
// Machine (§4.7): the live session map, its create/update/delete/get/list
// operations, and the per-session pipeline that turns driver events into
// Event Log appends while keeping the HITL Coordinator in sync.
package session

import (
	"sync"
	"time"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/eventlog"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
)

// Info is the read-only snapshot returned by Get/List (§4.6 Get, §3
// SessionState's public-facing fields).
type Info struct {
	SessionID      schema.SessionID
	AgentKind      schema.AgentKind
	AgentMode      string
	PermissionMode schema.PermissionMode
	Model          string
	Variant        string
	AgentSessionID schema.AgentSessionID
	State          schema.SessionState
	EventCount     int
	CreatedAt      time.Time
}

// session is one live entry in the Manager's map. agentSessionID is recorded
// the first time the driver reports it and never cleared afterward (§3
// AgentSessionId "once observed, stable for the session").
type session struct {
	mu sync.Mutex

	id             schema.SessionID
	agent          registry.AgentSpec
	agentMode      string
	permissionMode schema.PermissionMode
	model          string
	variant        string
	agentSessionID schema.AgentSessionID
	state          schema.SessionState
	createdAt      time.Time

	drv driver.Driver
	log *eventlog.Log

	turnTimer *time.Timer
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.id,
		AgentKind:      s.agent.ID,
		AgentMode:      s.agentMode,
		PermissionMode: s.permissionMode,
		Model:          s.model,
		Variant:        s.variant,
		AgentSessionID: s.agentSessionID,
		State:          s.state,
		EventCount:     s.log.Len(),
		CreatedAt:      s.createdAt,
	}
}

// transition applies a §4.7 state change. It does not validate that the
// edge is legal beyond terminal-state protection: terminal states never
// move, every other transition in this codebase is driven by a single
// caller who already knows the edge is valid from context (a backend
// event, an explicit stop).
func (s *session) transition(to schema.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = to
}

func (s *session) currentState() schema.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) recordAgentSessionID(id schema.AgentSessionID) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentSessionID == "" {
		s.agentSessionID = id
	}
}

// requireDriver guards callers that need a constructed driver against the
// narrow window between Create reserving a session id and the driver
// finishing construction (§4.6 Create).
func (s *session) requireDriver() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv == nil {
		return schema.NewAgentError(schema.ErrorTimeout, "session is still starting, try again shortly")
	}
	return nil
}

// armTurnWatchdog (re)starts the timer that calls onExpire if this session
// is still Busy once d has elapsed. disarmTurnWatchdog cancels it early;
// callers do both across the lifetime of a single turn.
func (s *session) armTurnWatchdog(d time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnTimer != nil {
		s.turnTimer.Stop()
	}
	s.turnTimer = time.AfterFunc(d, onExpire)
}

func (s *session) disarmTurnWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
}

// modelLocked reports whether this agent kind refuses model changes once a
// native session id has been observed (§4.6 Update, §8 model-lock property).
func (s *session) modelLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent.Capabilities.ModelLockAfterStart && s.agentSessionID != ""
}
