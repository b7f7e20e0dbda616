// Package persistence implements the optional pluggable persistence hook
// referenced by §6 ("we do not persist sessions across daemon restarts by
// default... with a pluggable persistence hook"). The core Session Manager
// stays in-memory and ephemeral; a Hook, when configured, mirrors session
// snapshots and Event Log appends to durable storage on a best-effort basis
// so an operator can inspect or replay history after a restart. A failing
// Hook never fails the operation that triggered it — persistence is a
// side channel, not part of the session lifecycle's contract.
package persistence

import (
	"context"
	"time"

	"github.com/sandboxagent/agentd/internal/schema"
)

// Snapshot is the durable projection of one session's Manager-visible state
// at a point in time (§3 SessionState's public fields).
type Snapshot struct {
	SessionID      schema.SessionID
	AgentKind      schema.AgentKind
	AgentMode      string
	PermissionMode schema.PermissionMode
	Model          string
	Variant        string
	AgentSessionID schema.AgentSessionID
	State          schema.SessionState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Hook is the pluggable persistence boundary. Implementations must be safe
// for concurrent use: the Session Manager calls these from per-session pump
// goroutines as well as from request-handling goroutines.
type Hook interface {
	// SaveSnapshot upserts a session's current state. Called on create,
	// update, and every state transition worth remembering.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// AppendEvent mirrors one Event Log entry for sessionID.
	AppendEvent(ctx context.Context, sessionID schema.SessionID, event schema.UniversalEvent) error

	// DeleteSession removes a session's durable record entirely (§4.6
	// Delete "tear down"; we don't keep history for sessions the caller
	// explicitly deleted).
	DeleteSession(ctx context.Context, sessionID schema.SessionID) error

	// Close releases any resources the Hook holds (file handles, db pool).
	Close() error
}
