package codexproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/schema"
)

func TestDecodeLine_ThreadStartedIsStarted(t *testing.T) {
	c := Converter{}
	line := []byte(`{"method":"thread/started","params":{"threadId":"thread-1"}}`)

	data := c.DecodeLine(line)

	started, ok := data.(schema.StartedEventData)
	require.True(t, ok)
	assert.Equal(t, schema.AgentSessionID("thread-1"), started.AgentSessionID)
}

func TestDecodeLine_AgentMessageDeltaIsMessage(t *testing.T) {
	c := Converter{}
	line := []byte(`{"method":"item/agentMessage/delta","params":{"delta":"hi"}}`)

	data := c.DecodeLine(line)

	msg, ok := data.(schema.MessageEventData)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Message.Text)
}

func TestDecodeLine_CmdExecApprovalRequestIsPermission(t *testing.T) {
	c := Converter{}
	line := []byte(`{"id":"req-9","method":"item/cmdExec/requestApproval","params":{"threadId":"t1","itemId":"i1","command":"rm -rf /tmp/x","cwd":"/work"}}`)

	data := c.DecodeLine(line)

	p, ok := data.(schema.PermissionAskedEventData)
	require.True(t, ok)
	assert.Equal(t, "commandExecution", p.Permission.ToolName)
	assert.Equal(t, "rm -rf /tmp/x", p.Permission.Input["command"])
}

func TestDecodeLine_TurnCompletedFailureIsError(t *testing.T) {
	c := Converter{}
	line := []byte(`{"method":"turn/completed","params":{"turnId":"turn-1","success":false,"error":"model refused"}}`)

	data := c.DecodeLine(line)

	errData, ok := data.(schema.ErrorEventData)
	require.True(t, ok)
	assert.Contains(t, errData.Error.Message, "model refused")
}

func TestDecodeLine_TurnCompletedSuccessIsUnparsed(t *testing.T) {
	c := Converter{}
	line := []byte(`{"method":"turn/completed","params":{"turnId":"turn-1","success":true}}`)

	data := c.DecodeLine(line)

	_, ok := data.(schema.UnparsedEventData)
	assert.True(t, ok)
}

func TestDecodeLine_MalformedJSONIsUnparsed(t *testing.T) {
	c := Converter{}
	data := c.DecodeLine([]byte("not json"))
	_, ok := data.(schema.UnparsedEventData)
	assert.True(t, ok)
}

func TestEncodePermissionReply_OnceAcceptsAlwaysAcceptsForSession(t *testing.T) {
	c := Converter{}

	once, err := c.EncodePermissionReply("p1", schema.PermissionReplyOnce)
	require.NoError(t, err)
	always, err := c.EncodePermissionReply("p1", schema.PermissionReplyAlways)
	require.NoError(t, err)

	var onceLine, alwaysLine responseLine
	require.NoError(t, json.Unmarshal(once, &onceLine))
	require.NoError(t, json.Unmarshal(always, &alwaysLine))

	onceResult, _ := json.Marshal(onceLine.Result)
	alwaysResult, _ := json.Marshal(alwaysLine.Result)
	assert.JSONEq(t, `{"decision":"accept"}`, string(onceResult))
	assert.JSONEq(t, `{"decision":"acceptForSession"}`, string(alwaysResult))
}

func TestRestartPerMessage_IsAlwaysFalse(t *testing.T) {
	assert.False(t, Converter{}.RestartPerMessage())
}

func TestContinuationArgv_AppendsResumeFlag(t *testing.T) {
	c := Converter{}
	argv := c.ContinuationArgv([]string{"codex", "proto"}, "thread-7")
	assert.Contains(t, argv, "--resume")
	assert.Contains(t, argv, "thread-7")
}
