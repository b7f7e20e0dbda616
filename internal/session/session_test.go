package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/eventlog"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
)

func newTestSession(t *testing.T, state schema.SessionState) *session {
	t.Helper()
	return &session{
		id:    "s1",
		state: state,
		log:   eventlog.New("s1", 100, 16),
	}
}

func TestTransition_TerminalStateNeverMoves(t *testing.T) {
	s := newTestSession(t, schema.StateEnded)
	s.transition(schema.StateReady)
	assert.Equal(t, schema.StateEnded, s.currentState())

	s2 := newTestSession(t, schema.StateCrashed)
	s2.transition(schema.StateReady)
	assert.Equal(t, schema.StateCrashed, s2.currentState())
}

func TestTransition_NonTerminalStateMoves(t *testing.T) {
	s := newTestSession(t, schema.StateStarting)
	s.transition(schema.StateReady)
	assert.Equal(t, schema.StateReady, s.currentState())
}

func TestRecordAgentSessionID_FirstObservationSticks(t *testing.T) {
	s := newTestSession(t, schema.StateStarting)
	s.recordAgentSessionID("native-1")
	s.recordAgentSessionID("native-2")
	assert.Equal(t, schema.AgentSessionID("native-1"), s.snapshot().AgentSessionID)
}

func TestRecordAgentSessionID_EmptyIsIgnored(t *testing.T) {
	s := newTestSession(t, schema.StateStarting)
	s.recordAgentSessionID("")
	assert.Equal(t, schema.AgentSessionID(""), s.snapshot().AgentSessionID)
}

func TestModelLocked_OnlyWhenCapableAndSessionObserved(t *testing.T) {
	s := newTestSession(t, schema.StateReady)
	s.agent = registry.AgentSpec{Capabilities: registry.Capabilities{ModelLockAfterStart: true}}

	assert.False(t, s.modelLocked(), "no native session id observed yet")

	s.recordAgentSessionID("native-1")
	assert.True(t, s.modelLocked())
}

func TestModelLocked_FalseWhenAgentDoesNotLock(t *testing.T) {
	s := newTestSession(t, schema.StateReady)
	s.agent = registry.AgentSpec{Capabilities: registry.Capabilities{ModelLockAfterStart: false}}
	s.recordAgentSessionID("native-1")

	assert.False(t, s.modelLocked())
}

func TestRequireDriver_NilDriverIsTimeout(t *testing.T) {
	s := newTestSession(t, schema.StateStarting)
	err := s.requireDriver()
	assert.Equal(t, schema.ErrorTimeout, schema.AsAgentError(err).Kind)
}

func TestTurnWatchdog_FiresOnceAfterDelay(t *testing.T) {
	s := newTestSession(t, schema.StateBusy)
	fired := make(chan struct{}, 1)
	s.armTurnWatchdog(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestTurnWatchdog_DisarmPreventsExpiry(t *testing.T) {
	s := newTestSession(t, schema.StateBusy)
	fired := make(chan struct{}, 1)
	s.armTurnWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })
	s.disarmTurnWatchdog()

	select {
	case <-fired:
		t.Fatal("watchdog fired after being disarmed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTurnWatchdog_RearmReplacesPendingTimer(t *testing.T) {
	s := newTestSession(t, schema.StateBusy)
	var fires int
	s.armTurnWatchdog(15*time.Millisecond, func() { fires++ })
	s.armTurnWatchdog(15*time.Millisecond, func() { fires++ })

	require.Eventually(t, func() bool { return fires == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fires)
}
