package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
)

// noopConverter is a minimal Converter double for exercising Driver plumbing
// that doesn't need a real wire format (argv/env composition).
type noopConverter struct{}

func (noopConverter) BuildArgv(cfg driver.StartConfig) []string             { return []string{"agent", "run"} }
func (noopConverter) Env(cfg driver.StartConfig) map[string]string          { return nil }
func (noopConverter) EncodeMessage(schema.UniversalMessage) ([]byte, error) { return nil, nil }
func (noopConverter) EncodeQuestionAnswer(string, schema.QuestionAnswer) ([]byte, error) {
	return nil, nil
}
func (noopConverter) EncodeQuestionReject(string) ([]byte, error) { return nil, nil }
func (noopConverter) EncodePermissionReply(string, schema.PermissionReply) ([]byte, error) {
	return nil, nil
}
func (noopConverter) DecodeLine(line []byte) schema.EventData {
	return schema.UnparsedEventData{Raw: string(line)}
}
func (noopConverter) RestartPerMessage() bool { return false }
func (noopConverter) ContinuationArgv(argv []string, nativeSessionID string) []string {
	return argv
}

func TestBuildEnv_AddsMCPServerURLOnlyWhenSet(t *testing.T) {
	d := New(driver.StartConfig{SessionID: "s1"}, noopConverter{}, 1024)
	env := d.buildEnv()
	for _, kv := range env {
		assert.NotContains(t, kv, "AGENTD_MCP_SERVER_URL=")
	}

	d2 := New(driver.StartConfig{SessionID: "s1", MCPServerURL: "http://127.0.0.1:9/mcp"}, noopConverter{}, 1024)
	env2 := d2.buildEnv()
	assert.Contains(t, env2, "AGENTD_MCP_SERVER_URL=http://127.0.0.1:9/mcp")
}

func TestBuildEnv_MergesCredentialAndConverterEnv(t *testing.T) {
	d := New(driver.StartConfig{SessionID: "s1", Env: map[string]string{"API_KEY": "secret"}}, noopConverter{}, 1024)
	env := d.buildEnv()
	assert.Contains(t, env, "API_KEY=secret")
}

// restartingConverter is a real RestartPerMessage converter (Amp's
// continuation-per-prompt model) that runs a shell one-liner instead of a
// real agent binary, so Send exercises the actual spawn/wait/close path.
type restartingConverter struct{ script string }

func (restartingConverter) Env(driver.StartConfig) map[string]string { return nil }
func (c restartingConverter) BuildArgv(driver.StartConfig) []string {
	return []string{"sh", "-c", c.script}
}
func (restartingConverter) EncodeMessage(schema.UniversalMessage) ([]byte, error) {
	return []byte("{}"), nil
}
func (restartingConverter) EncodeQuestionAnswer(string, schema.QuestionAnswer) ([]byte, error) {
	return nil, nil
}
func (restartingConverter) EncodeQuestionReject(string) ([]byte, error) { return nil, nil }
func (restartingConverter) EncodePermissionReply(string, schema.PermissionReply) ([]byte, error) {
	return nil, nil
}
func (restartingConverter) DecodeLine(line []byte) schema.EventData {
	return schema.UnparsedEventData{Raw: string(line)}
}
func (restartingConverter) RestartPerMessage() bool { return true }
func (restartingConverter) ContinuationArgv(argv []string, nativeSessionID string) []string {
	return argv
}

func newShellDriver(t *testing.T, script string) *Driver {
	t.Helper()
	cfg := driver.StartConfig{
		SessionID: "s1",
		Agent:     registry.AgentSpec{Executable: "sh"},
	}
	d := New(cfg, restartingConverter{script: script}, 1024)
	require.NoError(t, d.Start(context.Background()))
	return d
}

// eventsClosed reports whether d.events is closed, without blocking when
// it's open: a closed channel is always immediately ready to receive.
func eventsClosed(d *Driver) bool {
	select {
	case _, ok := <-d.events:
		return !ok
	default:
		return false
	}
}

func TestSend_RestartPerMessage_NormalTurnExitKeepsEventsChannelOpen(t *testing.T) {
	d := newShellDriver(t, "exit 0")
	require.NoError(t, d.Send(context.Background(), schema.UniversalMessage{Text: "hi"}))

	d.mu.Lock()
	done := d.exitDone
	d.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shell process never exited")
	}

	assert.False(t, eventsClosed(d), "events channel must stay open across a normal per-turn exit")

	// A second turn must still be able to spawn and send successfully,
	// proving pump's consuming goroutine would still be alive to read it.
	require.NoError(t, d.Send(context.Background(), schema.UniversalMessage{Text: "again"}))
}

func TestSend_RestartPerMessage_CrashingTurnClosesEventsChannel(t *testing.T) {
	d := newShellDriver(t, "exit 1")
	require.NoError(t, d.Send(context.Background(), schema.UniversalMessage{Text: "hi"}))

	d.mu.Lock()
	done := d.exitDone
	d.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shell process never exited")
	}

	require.Eventually(t, func() bool { return eventsClosed(d) }, time.Second, 5*time.Millisecond,
		"events channel must close after a genuine crash")
}

func TestStop_RestartPerMessage_BetweenTurnsClosesEventsChannel(t *testing.T) {
	d := newShellDriver(t, "exit 0")
	// No Send yet: no process has ever run, d.cmd is nil.
	require.NoError(t, d.Stop(context.Background()))
	assert.True(t, eventsClosed(d))
}
