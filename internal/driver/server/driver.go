package server

import (
	"context"
	"sync"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/schema"
)

// Driver is the per-session driver.Driver implementation sitting on top of
// a shared sharedServer (§4.4.2). Start acquires (and, on first use,
// spawns) the shared server for this session's agent kind, then opens one
// native session on it; Stop only releases this session's route, it never
// tears down the shared process.
type Driver struct {
	pool *Pool
	cfg  driver.StartConfig
	log  *logging.Logger

	mu              sync.Mutex
	srv             *sharedServer
	nativeSessionID string
	events          chan schema.EventData
	stopped         bool
}

// New builds a ServerDriver for one session against a shared pool.
func New(pool *Pool, cfg driver.StartConfig) *Driver {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Driver{
		pool:   pool,
		cfg:    cfg,
		log:    log.WithSession(string(cfg.SessionID)).WithAgent(string(cfg.Agent.ID)),
		events: make(chan schema.EventData, 64),
	}
}

func (d *Driver) Start(ctx context.Context) error {
	srv, err := d.pool.Acquire(ctx, d.cfg.Agent)
	if err != nil {
		return err
	}

	nativeID, route, err := srv.CreateSession(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.srv = srv
	d.nativeSessionID = nativeID
	d.mu.Unlock()

	go d.forward(route)

	// The native session id is returned directly by the create call, unlike
	// the stdout-scraping SubprocessDriver variants, so Started can be
	// emitted synchronously rather than waiting on the route.
	d.events <- schema.StartedEventData{AgentSessionID: schema.AgentSessionID(nativeID)}
	return nil
}

// forward drains route.out onto d.events until the route closes, then
// closes d.events so the Session Core sees end-of-stream (§4.4 Driver
// contract: "the channel is closed once the driver has fully stopped").
func (d *Driver) forward(route *sessionRoute) {
	for {
		select {
		case data, ok := <-route.out:
			if !ok {
				close(d.events)
				return
			}
			d.events <- data
		case <-route.done:
			close(d.events)
			return
		}
	}
}

func (d *Driver) Send(ctx context.Context, msg schema.UniversalMessage) error {
	srv, nativeID := d.current()
	if srv == nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "driver not started")
	}
	return srv.SendPrompt(ctx, nativeID, msg.Text)
}

// AnswerQuestion and RejectQuestion are unsupported: OpenCode has no
// distinct question concept separate from permissions (§4.5 Question vs
// Permission).
func (d *Driver) AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error {
	return schema.NewAgentError(schema.ErrorInvalidRequest, "this backend has no question concept, only permissions")
}

func (d *Driver) RejectQuestion(ctx context.Context, questionID string) error {
	return schema.NewAgentError(schema.ErrorInvalidRequest, "this backend has no question concept, only permissions")
}

func (d *Driver) ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error {
	srv, _ := d.current()
	if srv == nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "driver not started")
	}
	wireReply, err := permissionReplyWireValue(reply)
	if err != nil {
		return err
	}
	return srv.ReplyPermission(ctx, permissionID, wireReply)
}

func permissionReplyWireValue(reply schema.PermissionReply) (string, error) {
	switch reply {
	case schema.PermissionReplyOnce:
		return "once", nil
	case schema.PermissionReplyAlways:
		return "always", nil
	case schema.PermissionReplyReject:
		return "reject", nil
	default:
		return "", schema.NewAgentError(schema.ErrorInvalidRequest, "unknown permission reply")
	}
}

// Update has no live effect: the shared server has no per-turn model or
// permission-mode flag the way a freshly-spawned subprocess does, so a
// change only takes effect on the next prompt's own parameters. Accepted
// as a no-op rather than rejected, matching the teacher's tolerant Update
// semantics for backends that can't apply every field live.
func (d *Driver) Update(ctx context.Context, req driver.UpdateRequest) error {
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	srv, nativeID := d.srv, d.nativeSessionID
	d.mu.Unlock()

	if srv != nil && nativeID != "" {
		srv.ReleaseSession(nativeID)
	}
	return nil
}

func (d *Driver) Events() <-chan schema.EventData {
	return d.events
}

func (d *Driver) Health(ctx context.Context) error {
	srv, _ := d.current()
	if srv == nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "driver not started")
	}
	if !srv.healthy(ctx) {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "shared agent server is not healthy")
	}
	return nil
}

func (d *Driver) current() (*sharedServer, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.srv, d.nativeSessionID
}
