package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/schema"
)

func mustEnvelope(t *testing.T, eventType string, properties any) eventEnvelope {
	t.Helper()
	raw, err := json.Marshal(properties)
	require.NoError(t, err)
	return eventEnvelope{Type: eventType, Properties: raw}
}

func TestDecodeEvent_TextPartUpdatedIsMessage(t *testing.T) {
	env := mustEnvelope(t, "message.part.updated", messagePartUpdatedProperties{
		Part: struct {
			SessionID string `json:"sessionID"`
			Type      string `json:"type"`
			Text      string `json:"text,omitempty"`
		}{SessionID: "sess-a", Type: "text", Text: "hello"},
	})

	got := decodeEvent(env, "raw")
	msg, ok := got.(schema.MessageEventData)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Message.Text)
}

func TestDecodeEvent_PermissionAskedIsPermission(t *testing.T) {
	env := mustEnvelope(t, "permission.asked", permissionAskedProperties{
		ID: "perm-1", SessionID: "sess-a", Permission: "bash",
	})

	got := decodeEvent(env, "raw")
	perm, ok := got.(schema.PermissionAskedEventData)
	require.True(t, ok)
	assert.Equal(t, "perm-1", perm.Permission.ID)
	assert.Equal(t, "bash", perm.Permission.ToolName)
}

func TestDecodeEvent_SessionErrorWithMessageIsError(t *testing.T) {
	env := mustEnvelope(t, "session.error", sessionErrorProperties{
		SessionID: "sess-a",
		Error:     &struct{ Message string `json:"message"` }{Message: "boom"},
	})

	got := decodeEvent(env, "raw")
	errData, ok := got.(schema.ErrorEventData)
	require.True(t, ok)
	assert.Equal(t, "boom", errData.Error.Message)
}

func TestDecodeEvent_UnknownTypeIsUnparsed(t *testing.T) {
	env := mustEnvelope(t, "session.idle", sessionIdleProperties{SessionID: "sess-a"})

	got := decodeEvent(env, "raw-line")
	unparsed, ok := got.(schema.UnparsedEventData)
	require.True(t, ok)
	assert.Equal(t, "raw-line", unparsed.Raw)
}

func TestSessionIDFromEvent_ExtractsPerEventTypeShape(t *testing.T) {
	cases := []struct {
		name string
		env  eventEnvelope
		want string
	}{
		{"message", mustEnvelope(t, "message.part.updated", messagePartUpdatedProperties{
			Part: struct {
				SessionID string `json:"sessionID"`
				Type      string `json:"type"`
				Text      string `json:"text,omitempty"`
			}{SessionID: "sess-b"},
		}), "sess-b"},
		{"permission", mustEnvelope(t, "permission.asked", permissionAskedProperties{SessionID: "sess-c"}), "sess-c"},
		{"idle", mustEnvelope(t, "session.idle", sessionIdleProperties{SessionID: "sess-d"}), "sess-d"},
		{"unrelated", mustEnvelope(t, "server.connected", nil), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sessionIDFromEvent(tc.env))
		})
	}
}
