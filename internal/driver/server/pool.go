// Package server implements the ServerDriver (§4.4.2): a single shared
// backend process per agent kind, fanned out to many sessions through one
// SSE subscription demuxed by native session id.
package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/schema"
)

type serverState string

const (
	stateNotStarted serverState = "notStarted"
	stateStarting   serverState = "starting"
	stateReady      serverState = "ready"
	stateRestarting serverState = "restarting"
	stateFailed     serverState = "failed"
)

// PoolConfig mirrors the Drivers config section relevant to shared servers.
type PoolConfig struct {
	PortRangeStart   int
	PortRangeEnd     int
	HealthCheckEvery time.Duration
	LaunchTimeout    time.Duration
	RestartAttempts  int
}

// Pool holds at most one shared server per agent kind, started lazily on
// first use (§4.4.2 step 1: "on first session of that kind").
type Pool struct {
	cfg    PoolConfig
	log    *logging.Logger
	ports  *portAllocator
	mu     sync.Mutex
	byKind map[schema.AgentKind]*sharedServer
}

func NewPool(cfg PoolConfig, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.Default()
	}
	return &Pool{
		cfg:    cfg,
		log:    log,
		ports:  newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		byKind: make(map[schema.AgentKind]*sharedServer),
	}
}

// Acquire returns the running shared server for agent, starting it if this
// is the first session of that kind.
func (p *Pool) Acquire(ctx context.Context, agent registry.AgentSpec) (*sharedServer, error) {
	p.mu.Lock()
	srv, ok := p.byKind[agent.ID]
	if !ok {
		srv = newSharedServer(agent, p.cfg, p.ports, p.log)
		p.byKind[agent.ID] = srv
	}
	p.mu.Unlock()

	if err := srv.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// sessionRoute is the per-session FIFO between the shared SSE reader and one
// session's decoded-event channel, preserving per-session ordering across
// the fan-in (§4.4.2 "Shared-server concurrency").
type sessionRoute struct {
	sessionID schema.SessionID
	inbox     chan eventEnvelope
	out       chan schema.EventData
	done      chan struct{}
}

type sharedServer struct {
	agent registry.AgentSpec
	cfg   PoolConfig
	ports *portAllocator
	log   *logging.Logger

	mu              sync.Mutex
	state           serverState
	port            int
	password        string
	baseURL         string
	cmd             *exec.Cmd
	httpClient      *http.Client
	restartAttempts int
	sessions        map[string]*sessionRoute
}

func newSharedServer(agent registry.AgentSpec, cfg PoolConfig, ports *portAllocator, log *logging.Logger) *sharedServer {
	return &sharedServer{
		agent:      agent,
		cfg:        cfg,
		ports:      ports,
		log:        log.WithAgent(string(agent.ID)),
		state:      stateNotStarted,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   make(map[string]*sessionRoute),
	}
}

func (s *sharedServer) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateReady {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.spawn(ctx)
}

// spawn launches the agent server binary and polls its health endpoint with
// exponential backoff bounded by cfg.LaunchTimeout (§4.4.2 step 1).
func (s *sharedServer) spawn(ctx context.Context) error {
	s.mu.Lock()
	s.state = stateStarting
	port, err := s.ports.Allocate()
	if err != nil {
		s.mu.Unlock()
		return schema.NewAgentError(schema.ErrorInstallFailed, "allocating shared server port").Wrap(err)
	}
	s.port = port
	s.password = randomPassword()
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(s.agent.Executable, "serve", "--port", fmt.Sprintf("%d", port))
	cmd.Env = append(cmd.Env, "OPENCODE_SERVER_PASSWORD="+s.password)
	if err := cmd.Start(); err != nil {
		s.ports.MarkUnavailable(port)
		s.state = stateFailed
		s.mu.Unlock()
		return schema.NewAgentError(schema.ErrorInstallFailed, "starting shared agent server").Wrap(err)
	}
	s.cmd = cmd
	s.mu.Unlock()

	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(s.cfg.LaunchTimeout)
	backoff := s.cfg.HealthCheckEvery
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for {
		if s.healthy(ctx) {
			s.mu.Lock()
			s.state = stateReady
			s.mu.Unlock()
			go s.subscribeSSE()
			return nil
		}
		if time.Now().After(deadline) {
			s.mu.Lock()
			s.state = stateFailed
			alive := s.processAlive()
			s.mu.Unlock()
			if alive {
				return schema.NewAgentError(schema.ErrorInstallFailed, "shared agent server did not become healthy before the startup deadline")
			}
			return schema.NewAgentError(schema.ErrorAgentProcessExited, "shared agent server exited before becoming healthy")
		}
		select {
		case <-ctx.Done():
			return schema.NewAgentError(schema.ErrorTimeout, "waiting for shared agent server startup").Wrap(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

func (s *sharedServer) processAlive() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	return s.cmd.ProcessState == nil
}

func (s *sharedServer) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/global/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return false
	}
	return h.Healthy
}

// subscribeSSE reads GET /event once for the lifetime of the shared server
// and demuxes each envelope into the matching session's inbox (§4.4.2 step
// 4). If the stream breaks, every attached session receives an error event
// and the server attempts one bounded restart (§4.4.2 step 6).
func (s *sharedServer) subscribeSSE() {
	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/event", nil)
	if err != nil {
		s.failAllSessions("subscribing to shared server event stream")
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.failAllSessions("connecting to shared server event stream")
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "data: ")
		if line == "" {
			continue
		}
		var env eventEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		sessionID := sessionIDFromEvent(env)
		if sessionID == "" {
			continue
		}
		s.mu.Lock()
		route, ok := s.sessions[sessionID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case route.inbox <- env:
		default:
			s.log.Warn("dropping shared server event, session inbox full", zap.String("nativeSessionId", sessionID))
		}
	}

	s.restartOrFail()
}

func (s *sharedServer) restartOrFail() {
	s.mu.Lock()
	s.state = stateRestarting
	attempts := s.restartAttempts
	s.restartAttempts++
	routes := make([]*sessionRoute, 0, len(s.sessions))
	for _, r := range s.sessions {
		routes = append(routes, r)
	}
	s.sessions = make(map[string]*sessionRoute)
	s.mu.Unlock()

	for _, r := range routes {
		select {
		case r.out <- schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorAgentProcessExited, "shared agent server connection lost")}:
		default:
		}
		close(r.done)
	}

	if attempts >= s.cfg.RestartAttempts {
		s.mu.Lock()
		s.state = stateFailed
		s.mu.Unlock()
		return
	}
	if err := s.spawn(context.Background()); err != nil {
		s.log.Error("shared agent server restart failed", zap.Error(err))
	}
}

func (s *sharedServer) failAllSessions(reason string) {
	s.mu.Lock()
	s.state = stateFailed
	routes := make([]*sessionRoute, 0, len(s.sessions))
	for _, r := range s.sessions {
		routes = append(routes, r)
	}
	s.mu.Unlock()
	for _, r := range routes {
		select {
		case r.out <- schema.ErrorEventData{Error: schema.NewAgentError(schema.ErrorAgentProcessExited, reason)}:
		default:
		}
		close(r.done)
	}
}

// CreateSession calls the shared server's REST API to open a native session
// and registers the demux route for it (§4.4.2 step 2).
func (s *sharedServer) CreateSession(ctx context.Context) (string, *sessionRoute, error) {
	resp, err := s.post(ctx, "/session", nil)
	if err != nil {
		return "", nil, err
	}
	var sr sessionResponse
	if err := json.Unmarshal(resp, &sr); err != nil {
		return "", nil, schema.NewAgentError(schema.ErrorStream, "decoding session creation response").Wrap(err)
	}

	route := &sessionRoute{
		inbox: make(chan eventEnvelope, 64),
		out:   make(chan schema.EventData, 64),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sr.ID] = route
	s.mu.Unlock()

	go route.pump()

	return sr.ID, route, nil
}

func (route *sessionRoute) pump() {
	for {
		select {
		case env, ok := <-route.inbox:
			if !ok {
				return
			}
			raw, _ := json.Marshal(env)
			data := decodeEvent(env, string(raw))
			select {
			case route.out <- data:
			case <-route.done:
				return
			}
		case <-route.done:
			return
		}
	}
}

func (s *sharedServer) SendPrompt(ctx context.Context, nativeSessionID, text string) error {
	_, err := s.post(ctx, "/session/"+nativeSessionID+"/message", promptRequest{Parts: []textPartInput{{Type: "text", Text: text}}})
	return err
}

func (s *sharedServer) ReplyPermission(ctx context.Context, requestID, reply string) error {
	_, err := s.post(ctx, "/permission/"+requestID+"/reply", permissionReplyRequest{Reply: reply})
	return err
}

func (s *sharedServer) ReleaseSession(nativeSessionID string) {
	s.mu.Lock()
	route, ok := s.sessions[nativeSessionID]
	delete(s.sessions, nativeSessionID)
	s.mu.Unlock()
	if ok {
		close(route.done)
	}
}

func (s *sharedServer) post(ctx context.Context, path string, body any) ([]byte, error) {
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewAgentError(schema.ErrorInvalidRequest, "encoding request body").Wrap(err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}

	s.mu.Lock()
	baseURL := s.baseURL
	password := s.password
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, reader)
	if err != nil {
		return nil, schema.NewAgentError(schema.ErrorInvalidRequest, "building shared server request").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if password != "" {
		req.SetBasicAuth("opencode", password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewAgentError(schema.ErrorAgentProcessExited, "calling shared agent server").Wrap(err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(readBuf)
		buf = append(buf, readBuf[:n]...)
		if err != nil {
			break
		}
	}

	if resp.StatusCode >= 300 {
		return nil, schema.NewAgentError(schema.ErrorStream, fmt.Sprintf("shared agent server returned status %d", resp.StatusCode))
	}
	return buf, nil
}

func randomPassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
