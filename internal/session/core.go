package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/sandboxagent/agentd/internal/hitl"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/persistence"
	"github.com/sandboxagent/agentd/internal/schema"
)

// pump is the single logical producer named in §5: driver.Events() ->
// HITL registration -> Event Log append -> subscriber fan-out, in that
// order, per session. It runs for the lifetime of the driver's event
// channel and exits when that channel closes. persist mirrors every append
// and state transition to durable storage on a best-effort basis (§6); a
// persist failure never blocks or fails the live pipeline.
func pump(s *session, coord *hitl.Coordinator, log *logging.Logger, persist persistence.Hook) {
	for data := range s.drv.Events() {
		stateChanged := false
		switch d := data.(type) {
		case schema.StartedEventData:
			s.recordAgentSessionID(d.AgentSessionID)
			if s.currentState() == schema.StateStarting {
				s.transition(schema.StateReady)
				stateChanged = true
			}
		case schema.QuestionAskedEventData:
			q := d.Question
			q.SessionID = s.id
			d.Question = q
			// Registered before the append below, per the Coordinator's
			// documented contract: a client must never be able to observe
			// the event and reply before the map knows about it.
			coord.RegisterQuestion(q)
			event := s.log.Append(d)
			_ = persist.AppendEvent(context.Background(), s.id, event)
			continue
		case schema.PermissionAskedEventData:
			p := d.Permission
			p.SessionID = s.id
			d.Permission = p
			coord.RegisterPermission(p)
			event := s.log.Append(d)
			_ = persist.AppendEvent(context.Background(), s.id, event)
			continue
		case schema.ErrorEventData:
			s.transition(schema.StateCrashed)
			stateChanged = true
			s.disarmTurnWatchdog()
			coord.DropSession(s.id)
			log.WithSession(string(s.id)).Warn("session crashed", zap.Any("error", d.Error))
		}
		event := s.log.Append(data)
		_ = persist.AppendEvent(context.Background(), s.id, event)

		// Ready/Busy only gates whether `send` buffers or queues (§4.7); both
		// accept sends, so this status doesn't need to track the precise
		// native turn-complete boundary. Any event after a send is enough
		// to flip the status back to Ready.
		if s.currentState() == schema.StateBusy {
			s.transition(schema.StateReady)
			s.disarmTurnWatchdog()
			stateChanged = true
		}
		if stateChanged {
			_ = persist.SaveSnapshot(context.Background(), snapshotFor(s))
		}
	}
	s.disarmTurnWatchdog()
}
