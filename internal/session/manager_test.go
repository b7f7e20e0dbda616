package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/hitl"
	"github.com/sandboxagent/agentd/internal/persistence"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
	"github.com/sandboxagent/agentd/pkg/agent"
)

// recordingHook is a persistence.Hook test double that counts calls instead
// of touching a real database.
type recordingHook struct {
	mu       sync.Mutex
	snapshot int
	events   int
	deletes  int
}

func (h *recordingHook) SaveSnapshot(ctx context.Context, snap persistence.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot++
	return nil
}

func (h *recordingHook) AppendEvent(ctx context.Context, sessionID schema.SessionID, event schema.UniversalEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events++
	return nil
}

func (h *recordingHook) DeleteSession(ctx context.Context, sessionID schema.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deletes++
	return nil
}

func (h *recordingHook) Close() error { return nil }

func (h *recordingHook) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot, h.events, h.deletes
}

// fakeDriver is a minimal driver.Driver double that emits a StartedEventData
// as soon as Start is called, then stays open for Send to push MessageEventData
// echoes until Stop closes it.
type fakeDriver struct {
	cfg       driver.StartConfig
	events    chan schema.EventData
	stopped   bool
	startErr  error
	updateReq []driver.UpdateRequest
}

func newFakeDriver(cfg driver.StartConfig) (driver.Driver, error) {
	return &fakeDriver{cfg: cfg, events: make(chan schema.EventData, 16)}, nil
}

func (d *fakeDriver) Start(ctx context.Context) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.events <- schema.StartedEventData{AgentSessionID: "native-1"}
	return nil
}

func (d *fakeDriver) Send(ctx context.Context, msg schema.UniversalMessage) error {
	d.events <- schema.MessageEventData{Message: schema.UniversalMessage{Role: "assistant", Text: "echo: " + msg.Text}}
	return nil
}

func (d *fakeDriver) AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error {
	return nil
}

func (d *fakeDriver) RejectQuestion(ctx context.Context, questionID string) error { return nil }

func (d *fakeDriver) ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error {
	return nil
}

func (d *fakeDriver) Update(ctx context.Context, req driver.UpdateRequest) error {
	d.updateReq = append(d.updateReq, req)
	return nil
}

func (d *fakeDriver) Stop(ctx context.Context) error {
	d.stopped = true
	close(d.events)
	return nil
}

func (d *fakeDriver) Events() <-chan schema.EventData { return d.events }

func (d *fakeDriver) Health(ctx context.Context) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := registry.New("testdata/agents.yaml")
	require.NoError(t, err)

	factories := map[agent.Protocol]driver.Factory{
		agent.ProtocolClaudeCode: newFakeDriver,
		agent.ProtocolOpenCode:   newFakeDriver,
		agent.ProtocolAmp:        newFakeDriver,
	}
	return NewManager(reg, hitl.New(), factories, 1000, 64, nil)
}

func waitForState(t *testing.T, m *Manager, id schema.SessionID, want schema.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := m.Get(id)
		return err == nil && info.State == want
	}, time.Second, 5*time.Millisecond)
}

func TestCreate_StartsDriverAndReachesReady(t *testing.T) {
	m := newTestManager(t)

	result, err := m.Create(context.Background(), CreateRequest{SessionID: "s1", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	waitForState(t, m, "s1", schema.StateReady)

	info, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentSessionID("native-1"), info.AgentSessionID)
}

func TestCreate_DuplicateSessionIDIsRejected(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), CreateRequest{SessionID: "dup", AgentKind: schema.AgentClaude})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{SessionID: "dup", AgentKind: schema.AgentClaude})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorSessionExists, schema.AsAgentError(err).Kind)
}

func TestCreate_UnknownAgentKindIsUnsupported(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s2", AgentKind: "not-real"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorUnsupportedAgent, schema.AsAgentError(err).Kind)
}

func TestSend_AppendsEchoedMessageToEventLog(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s3", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s3", schema.StateReady)

	require.NoError(t, m.Send(context.Background(), "s3", schema.UniversalMessage{Text: "hi"}))

	require.Eventually(t, func() bool {
		info, _ := m.Get("s3")
		return info.EventCount >= 2 // started + message
	}, time.Second, 5*time.Millisecond)
}

func TestSend_ImageAttachmentRejectedForAgentWithoutImagesCapability(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s3b", AgentKind: schema.AgentOpenCode})
	require.NoError(t, err)
	waitForState(t, m, "s3b", schema.StateReady)

	err = m.Send(context.Background(), "s3b", schema.UniversalMessage{
		Text:        "what is this?",
		Attachments: []schema.MessageAttachment{{Kind: schema.AttachmentImage, MimeType: "image/png"}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorModeNotSupported, schema.AsAgentError(err).Kind)

	// Rejected before any state transition or driver I/O: the session is
	// still Ready, not Busy, and no message event was appended.
	info, getErr := m.Get("s3b")
	require.NoError(t, getErr)
	assert.Equal(t, schema.StateReady, info.State)
	assert.Equal(t, 1, info.EventCount) // started only
}

func TestSend_ImageAttachmentAcceptedForAgentWithImagesCapability(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s3c", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s3c", schema.StateReady)

	err = m.Send(context.Background(), "s3c", schema.UniversalMessage{
		Text:        "what is this?",
		Attachments: []schema.MessageAttachment{{Kind: schema.AttachmentImage, MimeType: "image/png"}},
	})
	require.NoError(t, err)
}

func TestUpdate_ModelLockedAfterStartForClaude(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s4", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s4", schema.StateReady)

	newModel := "claude-opus-4-1"
	err = m.Update(context.Background(), "s4", UpdateRequest{Model: &newModel})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorPermissionDenied, schema.AsAgentError(err).Kind)
}

func TestUpdate_VariantRejectedForNonOpenCodeAgent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s5", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s5", schema.StateReady)

	variant := "high"
	err = m.Update(context.Background(), "s5", UpdateRequest{Variant: &variant})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorModeNotSupported, schema.AsAgentError(err).Kind)
}

func TestUpdate_PermissionModeAlwaysMutable(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s6", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s6", schema.StateReady)

	bypass := schema.PermissionModeBypass
	require.NoError(t, m.Update(context.Background(), "s6", UpdateRequest{PermissionMode: &bypass}))

	info, err := m.Get("s6")
	require.NoError(t, err)
	assert.Equal(t, schema.PermissionModeBypass, info.PermissionMode)
}

func TestDelete_RemovesSessionAndAppendsTerminalError(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s7", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "s7", schema.StateReady)

	require.NoError(t, m.Delete(context.Background(), "s7"))

	_, err = m.Get("s7")
	require.Error(t, err)
	assert.Equal(t, schema.ErrorSessionNotFound, schema.AsAgentError(err).Kind)
}

func TestList_EnumeratesLiveSessions(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s8", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{SessionID: "s9", AgentKind: schema.AgentClaude})
	require.NoError(t, err)

	ids := map[schema.SessionID]bool{}
	for _, info := range m.List() {
		ids[info.SessionID] = true
	}
	assert.True(t, ids["s8"])
	assert.True(t, ids["s9"])
}

func TestPersistenceHook_ReceivesSnapshotsEventsAndDeletes(t *testing.T) {
	reg, err := registry.New("testdata/agents.yaml")
	require.NoError(t, err)
	factories := map[agent.Protocol]driver.Factory{agent.ProtocolClaudeCode: newFakeDriver}
	hook := &recordingHook{}
	m := NewManager(reg, hitl.New(), factories, 1000, 64, nil, WithPersistence(hook))

	_, err = m.Create(context.Background(), CreateRequest{SessionID: "sp1", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "sp1", schema.StateReady)

	require.NoError(t, m.Send(context.Background(), "sp1", schema.UniversalMessage{Text: "hi"}))
	require.Eventually(t, func() bool {
		_, events, _ := hook.counts()
		return events >= 2 // started + echoed message
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Delete(context.Background(), "sp1"))

	snapshots, _, deletes := hook.counts()
	assert.Positive(t, snapshots)
	assert.Equal(t, 1, deletes)
}

func TestShutdown_TearsDownEveryLiveSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "s10", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{SessionID: "s11", AgentKind: schema.AgentClaude})
	require.NoError(t, err)

	m.Shutdown(context.Background())

	assert.Empty(t, m.List())
}

func TestSend_OnNonexistentSessionIsSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Send(context.Background(), "ghost", schema.UniversalMessage{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrorSessionNotFound, schema.AsAgentError(err).Kind)
}

// stallingDriver never responds to Send, so a session stays Busy until
// something else (here, a manually fired watchdog) moves it along.
type stallingDriver struct {
	events chan schema.EventData
}

func newStallingDriver(cfg driver.StartConfig) (driver.Driver, error) {
	return &stallingDriver{events: make(chan schema.EventData, 4)}, nil
}

func (d *stallingDriver) Start(ctx context.Context) error {
	d.events <- schema.StartedEventData{AgentSessionID: "native-stall"}
	return nil
}
func (d *stallingDriver) Send(ctx context.Context, msg schema.UniversalMessage) error { return nil }
func (d *stallingDriver) AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error {
	return nil
}
func (d *stallingDriver) RejectQuestion(ctx context.Context, questionID string) error { return nil }
func (d *stallingDriver) ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error {
	return nil
}
func (d *stallingDriver) Update(ctx context.Context, req driver.UpdateRequest) error { return nil }
func (d *stallingDriver) Stop(ctx context.Context) error                             { close(d.events); return nil }
func (d *stallingDriver) Events() <-chan schema.EventData                            { return d.events }
func (d *stallingDriver) Health(ctx context.Context) error                           { return nil }

func TestTurnTimedOut_CrashesStillBusySessionAndAppendsErrorEvent(t *testing.T) {
	reg, err := registry.New("testdata/agents.yaml")
	require.NoError(t, err)
	factories := map[agent.Protocol]driver.Factory{agent.ProtocolClaudeCode: newStallingDriver}
	m := NewManager(reg, hitl.New(), factories, 1000, 64, nil)

	_, err = m.Create(context.Background(), CreateRequest{SessionID: "stall1", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "stall1", schema.StateReady)

	require.NoError(t, m.Send(context.Background(), "stall1", schema.UniversalMessage{Text: "hi"}))

	before, err := m.Get("stall1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateBusy, before.State)

	m.turnTimedOut("stall1")

	after, err := m.Get("stall1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateCrashed, after.State)
}

func TestTurnTimedOut_IgnoresSessionThatIsNoLongerBusy(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{SessionID: "stall2", AgentKind: schema.AgentClaude})
	require.NoError(t, err)
	waitForState(t, m, "stall2", schema.StateReady)

	m.turnTimedOut("stall2")

	info, err := m.Get("stall2")
	require.NoError(t, err)
	assert.Equal(t, schema.StateReady, info.State)
}
