package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniversalEvent_RoundTripsEachVariant(t *testing.T) {
	cases := []EventData{
		MessageEventData{Message: UniversalMessage{Role: "assistant", Text: "hi"}},
		StartedEventData{AgentSessionID: "native-123"},
		ErrorEventData{Error: NewAgentError(ErrorTimeout, "turn exceeded the deadline")},
		QuestionAskedEventData{Question: QuestionRequest{
			ID:        "q1",
			SessionID: "sess-1",
			Questions: []Question{{ID: "q1.0", Prompt: "proceed?", Options: []QuestionOption{{ID: "yes", Label: "Yes"}}}},
		}},
		PermissionAskedEventData{Permission: PermissionRequest{ID: "p1", SessionID: "sess-1", ToolName: "bash"}},
		UnparsedEventData{Raw: `{"weird":"shape"}`},
	}

	for _, data := range cases {
		original := NewEvent(1, "sess-1", data)

		b, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded UniversalEvent
		require.NoError(t, json.Unmarshal(b, &decoded))

		assert.Equal(t, original.ID, decoded.ID)
		assert.Equal(t, original.SessionID, decoded.SessionID)
		assert.Equal(t, data.Kind(), decoded.Data.Kind())
		assert.Equal(t, data, decoded.Data)
	}
}

func TestUniversalEvent_UnknownKindErrors(t *testing.T) {
	raw := []byte(`{"id":1,"sessionId":"s","timestamp":"` + time.Now().Format(time.RFC3339) + `","kind":"bogus","data":{}}`)
	var decoded UniversalEvent
	assert.Error(t, json.Unmarshal(raw, &decoded))
}
