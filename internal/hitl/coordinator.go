// Package hitl implements the HITL Coordinator (§4.5): the correlation
// table between a QuestionRequest/PermissionRequest the agent is blocked on
// and the eventual answer_question/reject_question/reply_permission call
// that resolves it.
//
// Callers MUST register a pending question or permission before appending
// the corresponding questionAsked/permissionAsked event to the session's
// Event Log (§5 ordering guarantee: "HITL map populated before append,
// before subscriber visibility"). Registering first and appending second
// closes the race where a client observes the event over SSE and replies
// before the coordinator is ready to accept the reply.
package hitl

import (
	"fmt"
	"sync"

	"github.com/sandboxagent/agentd/internal/schema"
)

// Coordinator tracks which QuestionRequest/PermissionRequest ids are
// currently pending for every session, so a second reply to an
// already-resolved id is rejected rather than silently accepted (§8
// "duplicate answer_question -> InvalidRequest").
type Coordinator struct {
	mu          sync.Mutex
	questions   map[string]schema.SessionID
	permissions map[string]schema.SessionID
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		questions:   make(map[string]schema.SessionID),
		permissions: make(map[string]schema.SessionID),
	}
}

// RegisterQuestion marks req as pending. Call this before appending the
// corresponding questionAsked event.
func (c *Coordinator) RegisterQuestion(req schema.QuestionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questions[req.ID] = req.SessionID
}

// RegisterPermission marks req as pending. Call this before appending the
// corresponding permissionAsked event.
func (c *Coordinator) RegisterPermission(req schema.PermissionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissions[req.ID] = req.SessionID
}

// ResolveQuestion marks questionID as answered/rejected, returning its
// owning session id. A second call for the same id returns InvalidRequest.
func (c *Coordinator) ResolveQuestion(questionID string) (schema.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.questions[questionID]
	if !ok {
		return "", schema.NewAgentError(schema.ErrorInvalidRequest,
			fmt.Sprintf("question %q is not pending or was already answered", questionID))
	}
	delete(c.questions, questionID)
	return sessionID, nil
}

// ResolvePermission marks permissionID as replied to, returning its owning
// session id. A second call for the same id returns InvalidRequest.
func (c *Coordinator) ResolvePermission(permissionID string) (schema.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.permissions[permissionID]
	if !ok {
		return "", schema.NewAgentError(schema.ErrorInvalidRequest,
			fmt.Sprintf("permission %q is not pending or was already answered", permissionID))
	}
	delete(c.permissions, permissionID)
	return sessionID, nil
}

// IsQuestionPending reports whether questionID is still awaiting a reply.
func (c *Coordinator) IsQuestionPending(questionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.questions[questionID]
	return ok
}

// IsPermissionPending reports whether permissionID is still awaiting a reply.
func (c *Coordinator) IsPermissionPending(permissionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.permissions[permissionID]
	return ok
}

// DropSession discards every pending question/permission belonging to
// sessionID, used when a session ends with unresolved HITL requests
// (§4.7 Ending/Ended, §4.6 Delete).
func (c *Coordinator) DropSession(sessionID schema.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sid := range c.questions {
		if sid == sessionID {
			delete(c.questions, id)
		}
	}
	for id, sid := range c.permissions {
		if sid == sessionID {
			delete(c.permissions, id)
		}
	}
}
