package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/httpapi"
	"github.com/qbit-ai/qbitsync/internal/appconfig"
	"github.com/qbit-ai/qbitsync/internal/auth"
	"github.com/qbit-ai/qbitsync/internal/command"
	"github.com/qbit-ai/qbitsync/internal/transcript"
	"github.com/qbit-ai/qbitsync/schema"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "operator"
	testPassword = "correct-horse-battery-staple"
)

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipped in -short mode")
	}
}

// seqCounter hands out per-session sequence numbers so mock agents stay
// monotonic across turns, the same way a real feed rebases its counter.
type seqCounter struct {
	mu   sync.Mutex
	next map[schema.SessionID]uint64
}

func newSeqCounter() *seqCounter {
	return &seqCounter{next: make(map[schema.SessionID]uint64)}
}

func (c *seqCounter) envelope(req core.TurnRequest, ev schema.AgentEvent) schema.AgentEnvelope {
	c.mu.Lock()
	seq := c.next[req.SessionID]
	c.next[req.SessionID] = seq + 1
	c.mu.Unlock()
	ev.TurnID = req.TurnID
	return schema.AgentEnvelope{
		SessionID: req.SessionID,
		Seq:       &seq,
		Timestamp: time.Now(),
		Event:     ev,
	}
}

// mockHost stands in for the pty host. Each opened session greets with a
// banner and echoes written input back as terminal output.
type mockHost struct {
	mu       sync.Mutex
	sessions map[schema.SessionID]*mockHostSession
}

func newMockHost() *mockHost {
	return &mockHost{sessions: make(map[schema.SessionID]*mockHostSession)}
}

func (h *mockHost) Open(ctx context.Context, req core.HostOpenRequest) (core.HostHandle, error) {
	sess := &mockHostSession{
		id:     req.SessionID,
		events: make(chan schema.HostEvent, 64),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[req.SessionID] = sess
	h.mu.Unlock()
	sess.emitOutput("mockshell ready\r\n$ ")
	return sess, nil
}

func (h *mockHost) session(t *testing.T, id schema.SessionID) *mockHostSession {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[id]
	if !ok {
		t.Fatalf("no host session opened for %s", id)
	}
	return sess
}

type mockHostSession struct {
	id        schema.SessionID
	events    chan schema.HostEvent
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	sizes []schema.TermSize
}

func (s *mockHostSession) Events() core.HostStream { return &mockHostStream{sess: s} }

func (s *mockHostSession) Write(ctx context.Context, data []byte) error {
	s.emitOutput(string(data))
	return nil
}

func (s *mockHostSession) Resize(ctx context.Context, size schema.TermSize) error {
	s.mu.Lock()
	s.sizes = append(s.sizes, size)
	s.mu.Unlock()
	return nil
}

func (s *mockHostSession) NotifyReady(ctx context.Context) error { return nil }

func (s *mockHostSession) Wait(ctx context.Context) (core.HostResult, error) {
	select {
	case <-s.done:
		return core.HostResult{}, nil
	case <-ctx.Done():
		return core.HostResult{}, ctx.Err()
	}
}

func (s *mockHostSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *mockHostSession) emit(ev schema.HostEvent) {
	ev.SessionID = s.id
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *mockHostSession) emitOutput(data string) {
	s.emit(schema.HostEvent{Channel: schema.ChannelTerminalOutput, Data: []byte(data)})
}

func (s *mockHostSession) exit(code int) {
	s.emit(schema.HostEvent{Channel: schema.ChannelSessionEnded, ExitCode: &code})
}

type mockHostStream struct{ sess *mockHostSession }

func (st *mockHostStream) Next(ctx context.Context) (schema.HostEvent, error) {
	select {
	case ev := <-st.sess.events:
		return ev, nil
	case <-st.sess.done:
		return schema.HostEvent{}, io.EOF
	case <-ctx.Done():
		return schema.HostEvent{}, ctx.Err()
	}
}

func (st *mockHostStream) Close() error { return nil }

// mockAgent completes every turn immediately with a canned response that
// quotes the prompt, so tests can poll the timeline for it.
type mockAgent struct {
	seqs *seqCounter
}

func newMockAgent() *mockAgent { return &mockAgent{seqs: newSeqCounter()} }

func (a *mockAgent) StartTurn(ctx context.Context, req core.TurnRequest) (core.TurnHandle, error) {
	reply := "mock response: " + req.Prompt
	return &scriptedTurn{envs: []schema.AgentEnvelope{
		a.seqs.envelope(req, schema.AgentEvent{Type: schema.AgentEventStarted}),
		a.seqs.envelope(req, schema.AgentEvent{Type: schema.AgentEventTextDelta, Delta: reply}),
		a.seqs.envelope(req, schema.AgentEvent{Type: schema.AgentEventCompleted, Response: reply, TokensUsed: 12, DurationMs: 5}),
	}}, nil
}

type scriptedTurn struct {
	mu       sync.Mutex
	envs     []schema.AgentEnvelope
	idx      int
	canceled bool
}

func (tn *scriptedTurn) Events() core.TurnStream { return &scriptedTurnStream{turn: tn} }

func (tn *scriptedTurn) RespondTool(ctx context.Context, toolID string, approve bool) error {
	return fmt.Errorf("no tool pending for %s", toolID)
}

func (tn *scriptedTurn) Cancel(ctx context.Context) error {
	tn.mu.Lock()
	tn.canceled = true
	tn.mu.Unlock()
	return nil
}

func (tn *scriptedTurn) Wait(ctx context.Context) (core.TurnResult, error) {
	return core.TurnResult{}, nil
}

func (tn *scriptedTurn) Close() error { return nil }

type scriptedTurnStream struct{ turn *scriptedTurn }

func (st *scriptedTurnStream) Next(ctx context.Context) (schema.AgentEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return schema.AgentEnvelope{}, err
	}
	st.turn.mu.Lock()
	defer st.turn.mu.Unlock()
	if st.turn.canceled || st.turn.idx >= len(st.turn.envs) {
		return schema.AgentEnvelope{}, io.EOF
	}
	env := st.turn.envs[st.turn.idx]
	st.turn.idx++
	return env, nil
}

func (st *scriptedTurnStream) Close() error { return nil }

// blockingGate synchronizes a test with a turn that must stay in flight
// until the test decides to let it finish.
type blockingGate struct {
	readyOnce   sync.Once
	releaseOnce sync.Once
	ready       chan struct{}
	release     chan struct{}
}

func newBlockingGate() *blockingGate {
	return &blockingGate{ready: make(chan struct{}), release: make(chan struct{})}
}

func (g *blockingGate) markReady() { g.readyOnce.Do(func() { close(g.ready) }) }

func (g *blockingGate) Release() { g.releaseOnce.Do(func() { close(g.release) }) }

func waitForGateReady(t *testing.T, gate *blockingGate, timeout time.Duration) {
	t.Helper()
	select {
	case <-gate.ready:
	case <-time.After(timeout):
		t.Fatalf("turn never reached the gate")
	}
}

// blockingAgent starts a turn, then holds its stream open until the gate
// is released. It records the context the turn was started with so tests
// can check whether teardown of the HTTP session canceled it.
type blockingAgent struct {
	gate *blockingGate
	seqs *seqCounter

	mu      sync.Mutex
	turnCtx context.Context
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{gate: newBlockingGate(), seqs: newSeqCounter()}
}

func (a *blockingAgent) StartTurn(ctx context.Context, req core.TurnRequest) (core.TurnHandle, error) {
	a.mu.Lock()
	a.turnCtx = ctx
	a.mu.Unlock()
	return &blockingTurn{agent: a, req: req, canceled: make(chan struct{})}, nil
}

func (a *blockingAgent) turnContextErr(t *testing.T) error {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnCtx == nil {
		t.Fatalf("no turn was started")
	}
	return a.turnCtx.Err()
}

type blockingTurn struct {
	agent *blockingAgent
	req   core.TurnRequest

	mu         sync.Mutex
	idx        int
	cancelOnce sync.Once
	canceled   chan struct{}
}

func (tn *blockingTurn) Events() core.TurnStream { return &blockingTurnStream{turn: tn} }

func (tn *blockingTurn) RespondTool(ctx context.Context, toolID string, approve bool) error {
	return fmt.Errorf("no tool pending for %s", toolID)
}

func (tn *blockingTurn) Cancel(ctx context.Context) error {
	tn.cancelOnce.Do(func() { close(tn.canceled) })
	return nil
}

func (tn *blockingTurn) Wait(ctx context.Context) (core.TurnResult, error) {
	return core.TurnResult{}, nil
}

func (tn *blockingTurn) Close() error { return nil }

type blockingTurnStream struct{ turn *blockingTurn }

func (st *blockingTurnStream) Next(ctx context.Context) (schema.AgentEnvelope, error) {
	tn := st.turn
	tn.mu.Lock()
	idx := tn.idx
	tn.idx++
	tn.mu.Unlock()
	reply := "blocking response: " + tn.req.Prompt
	switch idx {
	case 0:
		env := tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventStarted})
		tn.agent.gate.markReady()
		return env, nil
	case 1:
		select {
		case <-tn.agent.gate.release:
		case <-tn.canceled:
			return schema.AgentEnvelope{}, io.EOF
		case <-ctx.Done():
			return schema.AgentEnvelope{}, ctx.Err()
		}
		return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventTextDelta, Delta: reply}), nil
	case 2:
		return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventCompleted, Response: reply, TokensUsed: 7}), nil
	default:
		return schema.AgentEnvelope{}, io.EOF
	}
}

func (st *blockingTurnStream) Close() error { return nil }

// approvalAgent runs a turn that asks for tool approval and finishes
// according to the answer delivered through RespondTool.
type approvalAgent struct {
	seqs *seqCounter
}

func newApprovalAgent() *approvalAgent { return &approvalAgent{seqs: newSeqCounter()} }

func (a *approvalAgent) StartTurn(ctx context.Context, req core.TurnRequest) (core.TurnHandle, error) {
	return &approvalTurn{
		agent:    a,
		req:      req,
		decision: make(chan bool, 1),
		canceled: make(chan struct{}),
	}, nil
}

type approvalTurn struct {
	agent    *approvalAgent
	req      core.TurnRequest
	decision chan bool

	mu         sync.Mutex
	idx        int
	approved   bool
	cancelOnce sync.Once
	canceled   chan struct{}
}

func approvalToolCall() *schema.ToolCall {
	return &schema.ToolCall{
		ID:     "tool_0",
		Name:   "write_file",
		Args:   json.RawMessage(`{"path":"notes.txt","content":"hi"}`),
		Source: schema.ToolSourceMain,
	}
}

func (tn *approvalTurn) Events() core.TurnStream { return &approvalTurnStream{turn: tn} }

func (tn *approvalTurn) RespondTool(ctx context.Context, toolID string, approve bool) error {
	select {
	case tn.decision <- approve:
		return nil
	default:
		return fmt.Errorf("tool %s already resolved", toolID)
	}
}

func (tn *approvalTurn) Cancel(ctx context.Context) error {
	tn.cancelOnce.Do(func() { close(tn.canceled) })
	return nil
}

func (tn *approvalTurn) Wait(ctx context.Context) (core.TurnResult, error) {
	return core.TurnResult{}, nil
}

func (tn *approvalTurn) Close() error { return nil }

type approvalTurnStream struct{ turn *approvalTurn }

func (st *approvalTurnStream) Next(ctx context.Context) (schema.AgentEnvelope, error) {
	tn := st.turn
	tn.mu.Lock()
	idx := tn.idx
	tn.idx++
	tn.mu.Unlock()
	tool := approvalToolCall()
	switch idx {
	case 0:
		return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventStarted}), nil
	case 1:
		return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventToolApprovalRequest, Tool: tool}), nil
	case 2:
		select {
		case approve := <-tn.decision:
			tn.mu.Lock()
			tn.approved = approve
			tn.mu.Unlock()
			if !approve {
				return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventToolDenied, Tool: tool}), nil
			}
			return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{
				Type:   schema.AgentEventToolResult,
				Result: &schema.ToolResult{ID: tool.ID, Name: tool.Name, Output: "wrote notes.txt"},
			}), nil
		case <-tn.canceled:
			return schema.AgentEnvelope{}, io.EOF
		case <-ctx.Done():
			return schema.AgentEnvelope{}, ctx.Err()
		}
	case 3:
		tn.mu.Lock()
		approved := tn.approved
		tn.mu.Unlock()
		response := "Skipped the write."
		if approved {
			response = "Wrote notes.txt."
		}
		return tn.agent.seqs.envelope(tn.req, schema.AgentEvent{Type: schema.AgentEventCompleted, Response: response, TokensUsed: 9}), nil
	default:
		return schema.AgentEnvelope{}, io.EOF
	}
}

func (st *approvalTurnStream) Close() error { return nil }

// testServer wires a full stack behind httptest: core service with mock
// host and agent, auth store with one seeded user, hub, command handler,
// and the HTTP server.
type testServer struct {
	web      *httptest.Server
	service  core.Service
	host     *mockHost
	hub      *httpapi.Hub
	store    *auth.Store
	username string
	password string
	secret   string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithAgent(t, newMockAgent())
}

func newTestServerWithAgent(t *testing.T, agent core.AgentRunner) *testServer {
	t.Helper()
	root := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "qbitsync-test", AccountName: testUsername})
	if err != nil {
		t.Fatalf("generate totp secret: %v", err)
	}
	store, err := auth.NewStoreWithLogger(filepath.Join(root, "users.json"), []appconfig.SeedUser{{
		Username:     testUsername,
		PasswordHash: string(hash),
		TOTPSecret:   key.Secret(),
	}}, nil)
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	transcripts, err := transcript.NewStore(filepath.Join(root, "transcripts"), filepath.Join(root, "transcript.key"))
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}
	host := newMockHost()
	hub := httpapi.NewHub(256)
	svc, err := core.NewService(schema.ServiceConfig{
		StateDir:      filepath.Join(root, "state"),
		TranscriptDir: filepath.Join(root, "transcripts"),
		WorkDir:       root,
		Shell:         []string{"/bin/true"},
		FrameInterval: 5 * time.Millisecond,
	}, core.ServiceDeps{
		Host:        host,
		Agent:       agent,
		EventSink:   hub,
		Transcripts: transcripts,
	})
	if err != nil {
		t.Fatalf("core service: %v", err)
	}
	srv := httpapi.NewServer(httpapi.Config{
		Addr:               "127.0.0.1:0",
		SessionCookie:      "qbitsync_test",
		SessionTTLHours:    1,
		InitialBufferLines: 200,
	}, svc, command.NewHandler(svc, command.HandlerConfig{}), store, hub)
	web := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		web.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	})
	return &testServer{
		web:      web,
		service:  svc,
		host:     host,
		hub:      hub,
		store:    store,
		username: testUsername,
		password: testPassword,
		secret:   key.Secret(),
	}
}

func (ts *testServer) url(path string) string { return ts.web.URL + path }

func (ts *testServer) currentTOTP(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCode(ts.secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

func (ts *testServer) login(t *testing.T) *http.Client {
	t.Helper()
	return ts.loginWithPassword(t, ts.password)
}

func (ts *testServer) loginWithPassword(t *testing.T, password string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}
	resp := postJSON(t, client, ts.url("/api/login"), map[string]string{
		"username": ts.username,
		"password": password,
		"totp":     ts.currentTOTP(t),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("login status = %d body %s", resp.StatusCode, body)
	}
	return client
}

func (ts *testServer) openSession(t *testing.T, client *http.Client) schema.SessionSnapshot {
	t.Helper()
	resp := postJSON(t, client, ts.url("/api/sessions"), map[string]string{"title": "", "working_dir": ""})
	var opened schema.OpenSessionResponse
	readJSON(t, resp, &opened)
	if opened.Session.ID == "" {
		t.Fatalf("open session returned an empty id")
	}
	return opened.Session
}

func (ts *testServer) sendPrompt(t *testing.T, client *http.Client, sessionID schema.SessionID, input string) *http.Response {
	t.Helper()
	return postJSON(t, client, ts.url("/api/prompt"), map[string]string{
		"session_id": string(sessionID),
		"input":      input,
	})
}

func (ts *testServer) timeline(t *testing.T, client *http.Client, sessionID schema.SessionID) schema.TimelineSnapshot {
	t.Helper()
	var resp schema.GetTimelineResponse
	getJSON(t, client, ts.url("/api/timeline?session_id="+string(sessionID)), &resp)
	return resp.Timeline
}

func (ts *testServer) waitForTimelineText(t *testing.T, client *http.Client, sessionID schema.SessionID, substr string, timeout time.Duration) schema.TimelineSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last schema.TimelineSnapshot
	for time.Now().Before(deadline) {
		last = ts.timeline(t, client, sessionID)
		for _, b := range last.Blocks {
			if strings.Contains(b.Text, substr) {
				return last
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeline never showed %q; last snapshot had %d blocks in phase %s", substr, len(last.Blocks), last.Phase)
	return last
}

func (ts *testServer) waitForPhase(t *testing.T, client *http.Client, sessionID schema.SessionID, phase schema.TurnPhase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last schema.TurnPhase
	for time.Now().Before(deadline) {
		last = ts.timeline(t, client, sessionID).Phase
		if last == phase {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", last, phase)
}

func (ts *testServer) waitForToolStatus(t *testing.T, client *http.Client, sessionID schema.SessionID, status schema.ToolStatus, timeout time.Duration) schema.RenderBlock {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := ts.timeline(t, client, sessionID)
		for _, b := range append(append([]schema.RenderBlock(nil), snap.Blocks...), snap.StreamingBlocks...) {
			if b.Kind == schema.BlockToolCall && b.ToolStatus == status {
				return b
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("no tool block reached status %q", status)
	return schema.RenderBlock{}
}

func (ts *testServer) waitForBufferText(t *testing.T, client *http.Client, sessionID schema.SessionID, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var joined string
	for time.Now().Before(deadline) {
		var resp schema.GetBufferResponse
		getJSON(t, client, ts.url("/api/buffer?session_id="+string(sessionID)), &resp)
		joined = strings.Join(resp.Buffer.Lines, "\n")
		if strings.Contains(joined, substr) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("buffer never showed %q; last contents:\n%s", substr, joined)
}

func (ts *testServer) waitForSessionExit(t *testing.T, client *http.Client, sessionID schema.SessionID, timeout time.Duration) schema.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var resp schema.ListSessionsResponse
		getJSON(t, client, ts.url("/api/sessions"), &resp)
		for _, sess := range resp.Sessions {
			if sess.ID == sessionID && !sess.Running() {
				return sess
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("session %s never reported an exit", sessionID)
	return schema.SessionSnapshot{}
}

func postJSON(t *testing.T, client *http.Client, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// readJSON asserts a 200, decodes the body into out, and closes it.
func readJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	readJSON(t, resp, out)
}

// readSSEvent reads one server-sent event from the stream, skipping id
// lines and returning the decoded data payload.
func readSSEvent(reader *bufio.Reader) (httpapi.StreamEvent, error) {
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return httpapi.StreamEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && len(data) > 0:
			var event httpapi.StreamEvent
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &event); err != nil {
				return httpapi.StreamEvent{}, err
			}
			return event, nil
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
