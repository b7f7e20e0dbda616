package subprocess

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/schema"
	"github.com/sandboxagent/agentd/internal/stringutil"
)

// Driver implements driver.Driver by spawning one child process per
// session and speaking its native protocol through Converter (§4.4.1).
type Driver struct {
	cfg      driver.StartConfig
	conv     Converter
	execPath string
	log      *logging.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stderr          *stderrRing
	nativeSessionID string
	exited          bool
	stopping        bool
	exitDone        chan struct{}

	events     chan schema.EventData
	closeEvent sync.Once
}

// New constructs a Driver for cfg using conv as the protocol converter.
// stderrRingSize bounds the retained stderr tail (Drivers.StderrRingSize).
func New(cfg driver.StartConfig, conv Converter, stderrRingSize int) *Driver {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Driver{
		cfg:    cfg,
		conv:   conv,
		log:    log.WithSession(string(cfg.SessionID)).WithAgent(string(cfg.Agent.ID)),
		stderr: newStderrRing(stderrRingSize),
		events: make(chan schema.EventData, 64),
	}
}

// Start resolves the agent binary and, for protocols that keep a
// long-lived process (RestartPerMessage()==false), spawns it immediately.
// RestartPerMessage converters spawn lazily on the first Send.
func (d *Driver) Start(ctx context.Context) error {
	path, err := exec.LookPath(d.cfg.Agent.Executable)
	if err != nil {
		return schema.NewAgentError(schema.ErrorAgentNotInstalled,
			fmt.Sprintf("agent executable %q not found on PATH", d.cfg.Agent.Executable))
	}
	d.execPath = path

	if d.conv.RestartPerMessage() {
		return nil
	}

	argv := d.buildArgv("")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawnLocked(argv)
}

func (d *Driver) buildArgv(nativeSessionID string) []string {
	argv := d.conv.BuildArgv(d.cfg)
	if len(argv) > 0 {
		argv[0] = d.execPath
	}
	if nativeSessionID != "" {
		argv = d.conv.ContinuationArgv(argv, nativeSessionID)
	}
	return argv
}

// spawnLocked starts the native process. Caller holds d.mu.
func (d *Driver) spawnLocked(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.cfg.WorkspacePath
	cmd.Env = d.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return schema.NewAgentError(schema.ErrorInstallFailed, "opening stdin pipe").Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return schema.NewAgentError(schema.ErrorInstallFailed, "opening stdout pipe").Wrap(err)
	}
	cmd.Stderr = d.stderr

	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return schema.NewAgentError(schema.ErrorInstallFailed, "starting agent process").Wrap(err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.exited = false
	d.exitDone = make(chan struct{})

	go d.readLoop(stdout)
	go d.waitLoop(cmd, d.exitDone)

	return nil
}

func (d *Driver) buildEnv() []string {
	env := os.Environ()
	for k, v := range d.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range d.conv.Env(d.cfg) {
		env = append(env, k+"="+v)
	}
	// Generic across every protocol converter: an MCP-capable agent just
	// needs the tool-forwarding server's URL, not a protocol-specific wire
	// shape, so this is injected here rather than via Converter.Env.
	if d.cfg.MCPServerURL != "" {
		env = append(env, "AGENTD_MCP_SERVER_URL="+d.cfg.MCPServerURL)
	}
	return env
}

func (d *Driver) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := d.conv.DecodeLine(line)
		if started, ok := data.(schema.StartedEventData); ok {
			d.mu.Lock()
			d.nativeSessionID = string(started.AgentSessionID)
			d.mu.Unlock()
		}
		d.emit(data)
	}
}

func (d *Driver) waitLoop(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	defer close(done)

	d.mu.Lock()
	stopping := d.stopping
	d.exited = true
	d.mu.Unlock()

	if stopping {
		d.closeEvents()
		return
	}

	if err != nil {
		tail := stringutil.TruncateStringWithEllipsis(d.stderr.String(), 4096)
		d.log.Error("agent process exited unexpectedly", zap.Error(err), zap.String("stderrTail", tail))
		d.emit(schema.ErrorEventData{
			Error: schema.NewAgentError(schema.ErrorAgentProcessExited, "agent process exited unexpectedly").
				WithContext("stderrTail", tail).Wrap(err),
		})
		d.closeEvents()
		return
	}

	// A RestartPerMessage converter (Amp) spawns one process per turn; a
	// clean exit here just means the turn finished, not that the session
	// is over. Keep the channel open for the next Send's spawn and only
	// close it when Stop or a genuine crash ends the session.
	if d.conv.RestartPerMessage() {
		return
	}
	d.closeEvents()
}

// closeEvents closes d.events at most once. Stop and a crashing exit can
// both reach here for the same process; emit's recover() also tolerates a
// send racing a close, but the close itself must never double-close.
func (d *Driver) closeEvents() {
	d.closeEvent.Do(func() { close(d.events) })
}

func (d *Driver) emit(data schema.EventData) {
	defer func() {
		// The events channel may already be closed if Stop raced a final
		// line from a process that was exiting anyway; drop rather than
		// panic, matching the non-blocking-producer stance of §4.3.
		_ = recover()
	}()
	d.events <- data
}

// Send writes one prompt turn to the native process. For RestartPerMessage
// converters (Amp's continuation-per-prompt model) it spawns a fresh
// process carrying the prior native session id forward.
func (d *Driver) Send(ctx context.Context, msg schema.UniversalMessage) error {
	encoded, err := d.conv.EncodeMessage(msg)
	if err != nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "encoding message").Wrap(err)
	}

	d.mu.Lock()
	if d.conv.RestartPerMessage() {
		if d.cmd != nil && !d.exited {
			d.mu.Unlock()
			<-d.exitDone
			d.mu.Lock()
		}
		argv := d.buildArgv(d.nativeSessionID)
		if err := d.spawnLocked(argv); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	stdin := d.stdin
	d.mu.Unlock()

	if stdin == nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "agent process is not running")
	}

	if _, err := stdin.Write(append(encoded, '\n')); err != nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "writing to agent stdin").Wrap(err)
	}

	if d.conv.RestartPerMessage() {
		_ = stdin.Close()
	}
	return nil
}

func (d *Driver) AnswerQuestion(ctx context.Context, questionID string, answer schema.QuestionAnswer) error {
	encoded, err := d.conv.EncodeQuestionAnswer(questionID, answer)
	if err != nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "encoding question answer").Wrap(err)
	}
	return d.writeLine(encoded)
}

func (d *Driver) RejectQuestion(ctx context.Context, questionID string) error {
	encoded, err := d.conv.EncodeQuestionReject(questionID)
	if err != nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "encoding question rejection").Wrap(err)
	}
	return d.writeLine(encoded)
}

func (d *Driver) ReplyPermission(ctx context.Context, permissionID string, reply schema.PermissionReply) error {
	encoded, err := d.conv.EncodePermissionReply(permissionID, reply)
	if err != nil {
		return schema.NewAgentError(schema.ErrorInvalidRequest, "encoding permission reply").Wrap(err)
	}
	return d.writeLine(encoded)
}

func (d *Driver) writeLine(encoded []byte) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "agent process is not running")
	}
	_, err := stdin.Write(append(encoded, '\n'))
	if err != nil {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "writing to agent stdin").Wrap(err)
	}
	return nil
}

// Update applies a live model/permission-mode change. Most stream-json
// backends only accept these at spawn time; the Session Core enforces the
// model-lock-after-start rule (§8) before this is ever called with a model
// change for Claude/Amp, so reaching here with one is a caller bug rather
// than something this layer re-validates.
func (d *Driver) Update(ctx context.Context, req driver.UpdateRequest) error {
	if req.PermissionMode != nil {
		d.cfg.PermissionMode = *req.PermissionMode
	}
	if req.Model != nil {
		d.cfg.Model = *req.Model
	}
	if req.AgentMode != nil {
		d.cfg.Mode = *req.AgentMode
	}
	return nil
}

// Stop terminates the native process group and waits for cleanup to finish.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	cmd := d.cmd
	done := d.exitDone
	exited := d.exited
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil || exited {
		// RestartPerMessage between turns (no process yet, or the last
		// turn's process already exited): nothing to kill, and waitLoop
		// won't run again to close d.events for us.
		d.closeEvents()
		return nil
	}

	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return schema.NewAgentError(schema.ErrorTimeout, "waiting for agent process to exit").Wrap(ctx.Err())
		}
	}
	return nil
}

func (d *Driver) Events() <-chan schema.EventData { return d.events }

// Health reports whether the native process is still running.
func (d *Driver) Health(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conv.RestartPerMessage() {
		return nil // no process between turns is healthy for this model
	}
	if d.cmd == nil || d.exited {
		return schema.NewAgentError(schema.ErrorAgentProcessExited, "agent process is not running")
	}
	return nil
}
