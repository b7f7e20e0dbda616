package persistence

import (
	"context"

	"github.com/sandboxagent/agentd/internal/schema"
)

// Noop is the default Hook: it discards everything, matching the
// ephemeral-in-memory-by-default behavior §6 describes. It exists so the
// Session Manager never has to nil-check its persistence hook.
type Noop struct{}

var _ Hook = Noop{}

func (Noop) SaveSnapshot(ctx context.Context, snap Snapshot) error { return nil }

func (Noop) AppendEvent(ctx context.Context, sessionID schema.SessionID, event schema.UniversalEvent) error {
	return nil
}

func (Noop) DeleteSession(ctx context.Context, sessionID schema.SessionID) error { return nil }

func (Noop) Close() error { return nil }
