package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates the UniversalEventData variants of §3.
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventStarted         EventKind = "started"
	EventError           EventKind = "error"
	EventQuestionAsked   EventKind = "questionAsked"
	EventPermissionAsked EventKind = "permissionAsked"
	EventUnparsed        EventKind = "unparsed"
)

// EventData is implemented by each of the six UniversalEventData variants.
// A UniversalEvent carries exactly one, which the Go type system enforces
// here (unlike the grounding codebase's flat struct-with-optional-fields
// shape) by making EventData an interface rather than an all-fields struct.
type EventData interface {
	Kind() EventKind
}

// MessageEventData wraps a converted assistant/user message (§4.2).
type MessageEventData struct {
	Message UniversalMessage `json:"message"`
}

func (MessageEventData) Kind() EventKind { return EventMessage }

// StartedEventData reports the backend's own session/thread id once the
// driver observes it (§3 AgentSessionId, §8 Claude/Amp model-lock timing).
type StartedEventData struct {
	AgentSessionID AgentSessionID `json:"agentSessionId"`
}

func (StartedEventData) Kind() EventKind { return EventStarted }

// ErrorEventData carries an AgentError surfaced mid-stream rather than as
// an operation's direct response (§7 propagation).
type ErrorEventData struct {
	Error *AgentError `json:"error"`
}

func (ErrorEventData) Kind() EventKind { return EventError }

// QuestionAskedEventData announces a new QuestionRequest the session is
// blocked on (§4.5).
type QuestionAskedEventData struct {
	Question QuestionRequest `json:"question"`
}

func (QuestionAskedEventData) Kind() EventKind { return EventQuestionAsked }

// PermissionAskedEventData announces a new PermissionRequest the session is
// blocked on (§4.5).
type PermissionAskedEventData struct {
	Permission PermissionRequest `json:"permission"`
}

func (PermissionAskedEventData) Kind() EventKind { return EventPermissionAsked }

// UnparsedEventData wraps a native stdout/SSE line a converter could not
// recognize. Every native line produces exactly one UniversalEvent (§8),
// so unrecognized lines still need a home rather than being dropped; this
// is the load-bearing escape hatch §9 calls out (must fail tests by
// default, must not crash sessions in production).
type UnparsedEventData struct {
	Raw string `json:"raw"`
}

func (UnparsedEventData) Kind() EventKind { return EventUnparsed }

// UniversalEvent is one entry in a session's Event Log (§3, §4.3). ID is a
// per-session monotonic sequence starting at 1.
type UniversalEvent struct {
	ID        int64
	SessionID SessionID
	Timestamp time.Time
	Data      EventData
}

type universalEventWire struct {
	ID        int64           `json:"id"`
	SessionID SessionID       `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON flattens Data's Kind tag alongside the envelope fields.
func (e UniversalEvent) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling event data: %w", err)
	}
	return json.Marshal(universalEventWire{
		ID:        e.ID,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Kind:      e.Data.Kind(),
		Data:      raw,
	})
}

// UnmarshalJSON reconstructs the correctly-typed EventData variant from the
// wire-level "kind" discriminator.
func (e *UniversalEvent) UnmarshalJSON(b []byte) error {
	var wire universalEventWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	data, err := decodeEventData(wire.Kind, wire.Data)
	if err != nil {
		return err
	}

	e.ID = wire.ID
	e.SessionID = wire.SessionID
	e.Timestamp = wire.Timestamp
	e.Data = data
	return nil
}

func decodeEventData(kind EventKind, raw json.RawMessage) (EventData, error) {
	switch kind {
	case EventMessage:
		var d MessageEventData
		return d, json.Unmarshal(raw, &d)
	case EventStarted:
		var d StartedEventData
		return d, json.Unmarshal(raw, &d)
	case EventError:
		var d ErrorEventData
		return d, json.Unmarshal(raw, &d)
	case EventQuestionAsked:
		var d QuestionAskedEventData
		return d, json.Unmarshal(raw, &d)
	case EventPermissionAsked:
		var d PermissionAskedEventData
		return d, json.Unmarshal(raw, &d)
	case EventUnparsed:
		var d UnparsedEventData
		return d, json.Unmarshal(raw, &d)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// NewEvent stamps id/sessionID/now onto data. Callers append to the Event
// Log, which is the only place ids are assigned for real.
func NewEvent(id int64, sessionID SessionID, data EventData) UniversalEvent {
	return UniversalEvent{ID: id, SessionID: sessionID, Timestamp: now(), Data: data}
}
