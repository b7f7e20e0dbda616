package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/schema"
)

func TestPermissionReplyWireValue_MapsThreeWayReply(t *testing.T) {
	cases := []struct {
		in   schema.PermissionReply
		want string
	}{
		{schema.PermissionReplyOnce, "once"},
		{schema.PermissionReplyAlways, "always"},
		{schema.PermissionReplyReject, "reject"},
	}
	for _, tc := range cases {
		got, err := permissionReplyWireValue(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := permissionReplyWireValue(schema.PermissionReply("bogus"))
	assert.Error(t, err)
}

func TestDriver_OperationsBeforeStartAreInvalidRequest(t *testing.T) {
	d := New(NewPool(PoolConfig{PortRangeStart: 21000, PortRangeEnd: 21001}, nil), driver.StartConfig{
		SessionID: "sess-1",
	})

	err := d.Send(context.Background(), schema.UniversalMessage{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorInvalidRequest, schema.AsAgentError(err).Kind)

	err = d.ReplyPermission(context.Background(), "perm-1", schema.PermissionReplyOnce)
	require.Error(t, err)
	assert.Equal(t, schema.ErrorInvalidRequest, schema.AsAgentError(err).Kind)

	err = d.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrorInvalidRequest, schema.AsAgentError(err).Kind)
}

func TestDriver_QuestionOperationsAreUnsupported(t *testing.T) {
	d := New(NewPool(PoolConfig{PortRangeStart: 21010, PortRangeEnd: 21011}, nil), driver.StartConfig{SessionID: "sess-2"})

	assert.Error(t, d.AnswerQuestion(context.Background(), "q1", schema.QuestionAnswer{}))
	assert.Error(t, d.RejectQuestion(context.Background(), "q1"))
}

func TestDriver_UpdateIsANoop(t *testing.T) {
	d := New(NewPool(PoolConfig{PortRangeStart: 21020, PortRangeEnd: 21021}, nil), driver.StartConfig{SessionID: "sess-3"})
	assert.NoError(t, d.Update(context.Background(), driver.UpdateRequest{}))
}

func TestDriver_StopBeforeStartIsNoop(t *testing.T) {
	d := New(NewPool(PoolConfig{PortRangeStart: 21030, PortRangeEnd: 21031}, nil), driver.StartConfig{SessionID: "sess-4"})
	assert.NoError(t, d.Stop(context.Background()))
	assert.NoError(t, d.Stop(context.Background()))
}
