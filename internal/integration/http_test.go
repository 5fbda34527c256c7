package integration

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

func TestLoginRequiresValidCredentials(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := &http.Client{}

	resp := postJSON(t, client, ts.url("/api/login"), map[string]string{
		"username": ts.username,
		"password": "wrong",
		"totp":     ts.currentTOTP(t),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", resp.StatusCode)
	}

	resp = postJSON(t, client, ts.url("/api/login"), map[string]string{
		"username": ts.username,
		"password": ts.password,
		"totp":     "000000",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad totp status = %d", resp.StatusCode)
	}

	resp, err := client.Get(ts.url("/api/me"))
	if err != nil {
		t.Fatalf("GET /api/me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api/me status = %d", resp.StatusCode)
	}

	authed := ts.login(t)
	var me struct {
		Username string `json:"username"`
	}
	getJSON(t, authed, ts.url("/api/me"), &me)
	if me.Username != ts.username {
		t.Fatalf("username = %q, want %q", me.Username, ts.username)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)

	sess := ts.openSession(t, client)

	var list schema.ListSessionsResponse
	getJSON(t, client, ts.url("/api/sessions"), &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != sess.ID {
		t.Fatalf("sessions = %+v", list.Sessions)
	}
	if !list.Sessions[0].Running() {
		t.Fatalf("fresh session reported as ended")
	}

	resp := postJSON(t, client, ts.url("/api/attach"), map[string]string{"session_id": string(sess.ID)})
	var attached schema.AttachViewResponse
	readJSON(t, resp, &attached)
	if attached.Session.ID != sess.ID {
		t.Fatalf("attached to %s, want %s", attached.Session.ID, sess.ID)
	}
	ts.waitForBufferText(t, client, sess.ID, "mockshell ready", 5*time.Second)

	resp = postJSON(t, client, ts.url("/api/input"), map[string]any{
		"session_id": string(sess.ID),
		"data":       []byte("ls -la\n"),
	})
	readJSON(t, resp, nil)
	ts.waitForBufferText(t, client, sess.ID, "ls -la", 5*time.Second)

	resp = postJSON(t, client, ts.url("/api/sessions/close"), map[string]string{"session_id": string(sess.ID)})
	var closed schema.CloseSessionResponse
	readJSON(t, resp, &closed)

	getJSON(t, client, ts.url("/api/sessions"), &list)
	if len(list.Sessions) != 0 {
		t.Fatalf("sessions after close = %+v", list.Sessions)
	}
}

func TestPromptRoundTrip(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "hello world"), nil)

	snap := ts.waitForTimelineText(t, client, sess.ID, "mock response: hello world", 5*time.Second)
	sawPrompt := false
	for _, b := range snap.Blocks {
		if b.Kind == schema.BlockUserPrompt && strings.Contains(b.Text, "hello world") {
			sawPrompt = true
		}
	}
	if !sawPrompt {
		t.Fatalf("user prompt block missing from timeline")
	}
	ts.waitForPhase(t, client, sess.ID, schema.PhaseIdle, 5*time.Second)

	var usage schema.GetUsageResponse
	getJSON(t, client, ts.url("/api/usage"), &usage)
	if usage.Usage.TotalTurns < 1 {
		t.Fatalf("total turns = %d", usage.Usage.TotalTurns)
	}
	if usage.Usage.TotalTokens < 12 {
		t.Fatalf("total tokens = %d", usage.Usage.TotalTokens)
	}

	var seqState schema.GetSeqStateResponse
	getJSON(t, client, ts.url("/api/seq?session_id="+string(sess.ID)), &seqState)
	if !seqState.Tracked || seqState.LastSeq != 2 {
		t.Fatalf("seq state = %+v", seqState)
	}
}

func TestSlashCommandsAnswerInline(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	var out struct {
		Handled bool     `json:"handled"`
		Lines   []string `json:"lines"`
		Action  string   `json:"action"`
	}
	readJSON(t, ts.sendPrompt(t, client, sess.ID, "/help"), &out)
	if !out.Handled || out.Action != "none" {
		t.Fatalf("help result = %+v", out)
	}
	if !containsAll(strings.Join(out.Lines, "\n"), "Commands", "/sessions", "/quit") {
		t.Fatalf("help lines = %q", out.Lines)
	}

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "/sessions"), &out)
	if !out.Handled || len(out.Lines) == 0 {
		t.Fatalf("sessions result = %+v", out)
	}
}

func TestQuitPromptEndsHTTPSession(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "/quit"), nil)

	resp, err := client.Get(ts.url("/api/me"))
	if err != nil {
		t.Fatalf("GET /api/me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/api/me after /quit status = %d", resp.StatusCode)
	}
}

func TestStreamDeliversSnapshotAndTimeline(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	streamCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, ts.url("/api/stream"), nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)

	first, err := readSSEvent(reader)
	if err != nil {
		t.Fatalf("read snapshot event: %v", err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil {
		t.Fatalf("first stream event = %+v", first)
	}
	if len(first.Snapshot.Sessions) != 1 || first.Snapshot.Sessions[0].ID != sess.ID {
		t.Fatalf("snapshot sessions = %+v", first.Snapshot.Sessions)
	}

	ts.sendPrompt(t, client, sess.ID, "stream me").Body.Close()

	var lastSeq uint64
	for {
		event, err := readSSEvent(reader)
		if err != nil {
			t.Fatalf("stream ended before the response arrived: %v", err)
		}
		if event.Seq > 0 {
			if event.Seq <= lastSeq {
				t.Fatalf("stream seq %d did not advance past %d", event.Seq, lastSeq)
			}
			lastSeq = event.Seq
		}
		if event.Type == "timeline" && event.Block != nil && strings.Contains(event.Block.Text, "mock response: stream me") {
			return
		}
	}
}

func TestLogoutDoesNotCancelRunningTurn(t *testing.T) {
	requireLong(t)
	agent := newBlockingAgent()
	ts := newTestServerWithAgent(t, agent)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "background work"), nil)
	waitForGateReady(t, agent.gate, 5*time.Second)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "/quit"), nil)
	resp, err := client.Get(ts.url("/api/me"))
	if err != nil {
		t.Fatalf("GET /api/me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/api/me after /quit status = %d", resp.StatusCode)
	}

	if err := agent.turnContextErr(t); err != nil {
		t.Fatalf("logout canceled the running turn: %v", err)
	}

	agent.gate.Release()

	relogged := ts.login(t)
	ts.waitForTimelineText(t, relogged, sess.ID, "blocking response: background work", 5*time.Second)
	ts.waitForPhase(t, relogged, sess.ID, schema.PhaseIdle, 5*time.Second)
}

func TestToolApprovalApproved(t *testing.T) {
	requireLong(t)
	ts := newTestServerWithAgent(t, newApprovalAgent())
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "please write notes"), nil)
	block := ts.waitForToolStatus(t, client, sess.ID, schema.ToolStatusAwaitingApproval, 5*time.Second)
	if block.Tool == nil || block.Tool.ID != "tool_0" {
		t.Fatalf("awaiting block = %+v", block)
	}

	resp := postJSON(t, client, ts.url("/api/tool"), map[string]any{
		"session_id": string(sess.ID),
		"tool_id":    block.Tool.ID,
		"approve":    true,
	})
	readJSON(t, resp, nil)

	done := ts.waitForToolStatus(t, client, sess.ID, schema.ToolStatusCompleted, 5*time.Second)
	if done.Result == nil || !strings.Contains(done.Result.Output, "wrote notes.txt") {
		t.Fatalf("completed block = %+v", done)
	}
	ts.waitForTimelineText(t, client, sess.ID, "Wrote notes.txt.", 5*time.Second)
	ts.waitForPhase(t, client, sess.ID, schema.PhaseIdle, 5*time.Second)
}

func TestToolApprovalDenied(t *testing.T) {
	requireLong(t)
	ts := newTestServerWithAgent(t, newApprovalAgent())
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "please write notes"), nil)
	ts.waitForToolStatus(t, client, sess.ID, schema.ToolStatusAwaitingApproval, 5*time.Second)

	resp := postJSON(t, client, ts.url("/api/tool"), map[string]any{
		"session_id": string(sess.ID),
		"tool_id":    "tool_0",
		"approve":    false,
	})
	readJSON(t, resp, nil)

	ts.waitForToolStatus(t, client, sess.ID, schema.ToolStatusDenied, 5*time.Second)
	ts.waitForTimelineText(t, client, sess.ID, "Skipped the write.", 5*time.Second)
	ts.waitForPhase(t, client, sess.ID, schema.PhaseIdle, 5*time.Second)
}

func TestChangePasswordOverHTTP(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)

	const newPassword = "an-even-longer-passphrase"
	resp := postJSON(t, client, ts.url("/api/chpasswd"), map[string]string{
		"current_password": ts.password,
		"totp":             ts.currentTOTP(t),
		"new_password":     newPassword,
		"confirm_password": newPassword,
	})
	readJSON(t, resp, nil)

	plain := &http.Client{}
	resp = postJSON(t, plain, ts.url("/api/login"), map[string]string{
		"username": ts.username,
		"password": ts.password,
		"totp":     ts.currentTOTP(t),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old password still accepted, status = %d", resp.StatusCode)
	}

	relogged := ts.loginWithPassword(t, newPassword)
	var me struct {
		Username string `json:"username"`
	}
	getJSON(t, relogged, ts.url("/api/me"), &me)
	if me.Username != ts.username {
		t.Fatalf("username = %q, want %q", me.Username, ts.username)
	}
}

func TestSessionEndSurfacesExitCode(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	ts.host.session(t, sess.ID).exit(3)

	ended := ts.waitForSessionExit(t, client, sess.ID, 5*time.Second)
	if ended.ExitCode == nil || *ended.ExitCode != 3 {
		t.Fatalf("ended session = %+v", ended)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	resp := postJSON(t, client, ts.url("/api/history"), map[string]string{
		"session_id": string(sess.ID),
		"entry":      "make lint",
	})
	readJSON(t, resp, nil)

	var hist schema.GetHistoryResponse
	getJSON(t, client, ts.url("/api/history?session_id="+string(sess.ID)), &hist)
	if !containsAll(strings.Join(hist.Entries, "\n"), "make lint") {
		t.Fatalf("history entries = %q", hist.Entries)
	}
}

func TestTranscriptSavedOnClose(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	client := ts.login(t)
	sess := ts.openSession(t, client)

	readJSON(t, ts.sendPrompt(t, client, sess.ID, "remember this"), nil)
	ts.waitForTimelineText(t, client, sess.ID, "mock response: remember this", 5*time.Second)
	ts.waitForPhase(t, client, sess.ID, schema.PhaseIdle, 5*time.Second)

	resp := postJSON(t, client, ts.url("/api/sessions/close"), map[string]string{"session_id": string(sess.ID)})
	readJSON(t, resp, nil)

	var saved schema.ListTranscriptsResponse
	getJSON(t, client, ts.url("/api/transcripts"), &saved)
	if len(saved.Transcripts) == 0 {
		t.Fatalf("no transcript saved on close")
	}

	var got schema.GetTranscriptResponse
	getJSON(t, client, ts.url("/api/transcripts?name="+url.QueryEscape(saved.Transcripts[0].Name)), &got)
	joined := ""
	for _, b := range got.Timeline.Blocks {
		joined += b.Text + "\n"
	}
	if !strings.Contains(joined, "mock response: remember this") {
		t.Fatalf("transcript blocks = %q", joined)
	}
}
