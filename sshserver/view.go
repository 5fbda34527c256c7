package sshserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/internal/command"
	"github.com/qbit-ai/qbitsync/internal/format"
	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

// bodyMode selects what the main pane shows.
type bodyMode int

const (
	// bodyShell shows the session's cooked terminal lines.
	bodyShell bodyMode = iota
	// bodyConversation shows the session's timeline blocks.
	bodyConversation
)

// chpasswdStep walks the masked password change flow.
type chpasswdStep int

const (
	chpasswdCurrent chpasswdStep = iota
	chpasswdNew
	chpasswdConfirm
	chpasswdTOTP
)

type chpasswdState struct {
	step    chpasswdStep
	current string
	next    string
}

func (c *chpasswdState) prompt() string {
	switch c.step {
	case chpasswdCurrent:
		return "current password: "
	case chpasswdNew:
		return "new password: "
	case chpasswdConfirm:
		return "confirm new password: "
	default:
		return "verification code: "
	}
}

var spinnerFrames = []rune{'|', '/', '-', '\\'}

const (
	spinnerInterval = 250 * time.Millisecond
	stateInterval   = 2 * time.Second
	// chromeRows is the screen estate outside the body pane: tab bar,
	// status bar, and one input row. Session PTYs are sized against it.
	chromeRows = 3
)

// terminalView is one connected SSH screen. It runs a select loop over
// keys, window changes, and sink events, rendering on a dirty flag.
type terminalView struct {
	sess       gliderssh.Session
	service    core.Service
	handler    CommandHandler
	auth       LoginAuthStore
	userID     schema.UserID
	viewID     schema.ViewID
	idlePrompt string
	events     <-chan viewEvent
	screen     *screen
	renderer   *format.PlainRenderer

	ctx context.Context

	width  int
	height int

	mode        bodyMode
	passthrough bool
	// prefixPending is set between a Ctrl-B and the key that resolves
	// the passthrough chord.
	prefixPending bool

	sessions []schema.SessionSnapshot
	theme    schema.ThemeName
	current  schema.SessionID
	session  schema.SessionSnapshot
	buffer   schema.BufferSnapshot
	timeline schema.TimelineSnapshot

	editor   promptEditor
	chpasswd *chpasswdState

	history      []string
	historyIndex int
	historyDirty bool
	historySess  schema.SessionID

	queues map[schema.SessionID][]string

	consoleLines []string
	notice       string

	dirty         bool
	bufferStale   bool
	timelineStale bool
	redrawCh      chan struct{}
	spinnerIdx    int
	tabStart      int
}

func newTerminalView(sess gliderssh.Session, service core.Service, handler CommandHandler, auth LoginAuthStore, userID schema.UserID, viewID schema.ViewID, idlePrompt string, events <-chan viewEvent) *terminalView {
	return &terminalView{
		sess:         sess,
		service:      service,
		handler:      handler,
		auth:         auth,
		userID:       userID,
		viewID:       viewID,
		idlePrompt:   idlePrompt,
		events:       events,
		screen:       newScreen(sess),
		renderer:     format.NewPlainRenderer(),
		historyIndex: -1,
		queues:       make(map[schema.SessionID][]string),
		redrawCh:     make(chan struct{}, 1),
	}
}

func (t *terminalView) log() pslog.Logger {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return logx.WithView(logx.WithUserSession(ctx, t.userID, t.current), t.viewID)
}

// Run drives the view until the client disconnects, the context ends, or
// the user quits.
func (t *terminalView) Run(ctx context.Context, winCh <-chan gliderssh.Window) error {
	t.ctx = ctx
	if err := t.screen.EnterAltScreen(); err != nil {
		return err
	}
	defer func() {
		_ = t.screen.ExitAltScreen()
		t.releaseCurrent()
	}()

	keys := make(chan key, 16)
	go readKeys(t.sess, keys)

	t.refreshState()
	t.attachInitial()
	t.dirty = true

	spinner := time.NewTicker(spinnerInterval)
	defer spinner.Stop()
	state := time.NewTicker(stateInterval)
	defer state.Stop()

	for {
		select {
		case <-ctx.Done():
			t.saveDraftOnExit()
			return nil
		case k, ok := <-keys:
			if !ok {
				t.saveDraftOnExit()
				return nil
			}
			if t.handleKey(k) {
				t.saveDraftOnExit()
				return nil
			}
		case win := <-winCh:
			t.setSize(win.Width, win.Height)
		case ev, ok := <-t.events:
			if ok {
				t.handleEvent(ev)
			}
		case <-spinner.C:
			if t.busy() && !t.passthrough {
				t.spinnerIdx = (t.spinnerIdx + 1) % len(spinnerFrames)
				t.dirty = true
			}
		case <-state.C:
			if !t.passthrough {
				t.refreshState()
			}
		case <-t.redrawCh:
			t.dirty = true
		}
		if t.passthrough {
			continue
		}
		if t.dirty {
			t.reconcile()
			t.render()
			t.dirty = false
		}
	}
}

func (t *terminalView) requestRedraw() {
	select {
	case t.redrawCh <- struct{}{}:
	default:
	}
}

// releaseCurrent detaches the view on the way out. The session context is
// usually gone by now, so the call runs on a detached deadline.
func (t *terminalView) releaseCurrent() {
	if t.current == "" {
		return
	}
	base := t.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), 2*time.Second)
	defer cancel()
	_, err := t.service.DetachView(ctx, schema.DetachViewRequest{
		UserID:    t.userID,
		SessionID: t.current,
		ViewID:    t.viewID,
	})
	if err != nil {
		t.log().Debug("ssh view release failed", "err", err)
	}
}

func (t *terminalView) setSize(width, height int) {
	if width == t.width && height == t.height {
		return
	}
	t.width = width
	t.height = height
	t.dirty = true
	t.sendResize()
}

// sendResize sizes the current session's PTY to this view's pane. Only
// the owning view drives geometry; a displaced view just watches.
func (t *terminalView) sendResize() {
	if t.ctx == nil || t.current == "" || t.session.Attached != t.viewID {
		return
	}
	rows := t.height
	if !t.passthrough {
		rows -= chromeRows
	}
	if rows < 1 {
		rows = 1
	}
	cols := t.width
	if cols < 1 {
		cols = 1
	}
	_, err := t.service.Resize(t.ctx, schema.ResizeRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Size:      schema.TermSize{Rows: rows, Cols: cols},
	})
	if err != nil {
		t.log().Warn("ssh view resize failed", "err", err)
	}
}

func (t *terminalView) handleEvent(ev viewEvent) {
	switch ev.kind {
	case viewEventOutput:
		if ev.sessionID != t.current {
			return
		}
		if t.passthrough {
			if err := t.screen.WriteRaw(ev.data); err != nil {
				t.log().Debug("ssh passthrough write failed", "err", err)
			}
			return
		}
		t.bufferStale = true
		t.dirty = true
	case viewEventTimeline:
		if ev.timeline.SessionID != t.current {
			return
		}
		t.applyTimelineEvent(ev.timeline)
		t.dirty = true
	case viewEventSession:
		t.applySessionEvent(ev.session)
		t.dirty = true
	}
}

func (t *terminalView) applyTimelineEvent(ev schema.TimelineEvent) {
	switch ev.Type {
	case schema.TimelineBlockAppended:
		if ev.Block == nil {
			return
		}
		t.timeline.Blocks = append(t.timeline.Blocks, *ev.Block)
		t.timeline.StreamingText = ""
		t.removeStreamingBlock(ev.Block.ID)
	case schema.TimelineToolUpdated:
		if ev.Block == nil {
			return
		}
		switch ev.Block.ToolStatus {
		case schema.ToolStatusCompleted, schema.ToolStatusFailed, schema.ToolStatusDenied:
			t.removeStreamingBlock(ev.Block.ID)
		default:
			t.upsertStreamingBlock(*ev.Block)
		}
	case schema.TimelineStreaming:
		t.timeline.StreamingText = ev.StreamingText
	case schema.TimelinePhase:
		t.timeline.Phase = ev.Phase
		if t.session.ID == ev.SessionID {
			t.session.Phase = ev.Phase
		}
		for i := range t.sessions {
			if t.sessions[i].ID == ev.SessionID {
				t.sessions[i].Phase = ev.Phase
			}
		}
	}
}

func (t *terminalView) upsertStreamingBlock(block schema.RenderBlock) {
	for i := range t.timeline.StreamingBlocks {
		if t.timeline.StreamingBlocks[i].ID == block.ID {
			t.timeline.StreamingBlocks[i] = block
			return
		}
	}
	t.timeline.StreamingBlocks = append(t.timeline.StreamingBlocks, block)
}

func (t *terminalView) removeStreamingBlock(id string) {
	for i := range t.timeline.StreamingBlocks {
		if t.timeline.StreamingBlocks[i].ID == id {
			t.timeline.StreamingBlocks = append(t.timeline.StreamingBlocks[:i], t.timeline.StreamingBlocks[i+1:]...)
			return
		}
	}
}

func (t *terminalView) applySessionEvent(ev schema.SessionEvent) {
	if ev.Type == schema.SessionEventClosed {
		for i := range t.sessions {
			if t.sessions[i].ID == ev.Session.ID {
				t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
				break
			}
		}
		if t.current == ev.Session.ID {
			t.current = ""
			t.session = schema.SessionSnapshot{}
			t.buffer = schema.BufferSnapshot{}
			t.timeline = schema.TimelineSnapshot{}
			t.attachInitial()
		}
		return
	}
	found := false
	for i := range t.sessions {
		if t.sessions[i].ID == ev.Session.ID {
			t.sessions[i] = ev.Session
			found = true
			break
		}
	}
	if !found {
		t.sessions = append(t.sessions, ev.Session)
	}
	if t.current == ev.Session.ID {
		displaced := ev.Type == schema.SessionEventAttached &&
			ev.Session.Attached != t.viewID && t.session.Attached == t.viewID
		t.session = ev.Session
		if displaced {
			t.setNotice("session attached elsewhere")
			if t.passthrough {
				t.exitPassthrough()
			}
		}
	}
}

// reconcile refetches whatever events marked stale before rendering.
func (t *terminalView) reconcile() {
	if t.current == "" {
		t.bufferStale = false
		t.timelineStale = false
		return
	}
	if t.bufferStale {
		t.bufferStale = false
		t.refreshBuffer()
	}
	if t.timelineStale {
		t.timelineStale = false
		t.refreshTimeline()
	}
}

func (t *terminalView) refreshState() {
	if t.ctx == nil {
		t.ctx = context.Background()
	}
	prevSessions := t.sessions
	prevTheme := t.theme
	prevSession := t.session
	resp, err := t.service.ListSessions(t.ctx, schema.ListSessionsRequest{UserID: t.userID})
	if err != nil {
		t.log().Warn("ssh view state refresh failed", "err", err)
		return
	}
	t.sessions = resp.Sessions
	t.theme = resp.Theme
	if t.theme == "" {
		t.theme = schema.DefaultTheme
	}
	if t.current != "" {
		found := false
		for _, sess := range t.sessions {
			if sess.ID == t.current {
				t.session = sess
				found = true
				break
			}
		}
		if !found {
			t.current = ""
			t.session = schema.SessionSnapshot{}
			t.buffer = schema.BufferSnapshot{}
			t.timeline = schema.TimelineSnapshot{}
		}
	}
	bufferChanged := t.refreshBuffer()
	timelineChanged := t.refreshTimeline()
	if t.historySess != t.current {
		t.refreshHistory()
	}
	t.flushQueues()
	if bufferChanged || timelineChanged ||
		prevTheme != t.theme ||
		!sessionEqual(prevSession, t.session) ||
		!sessionsEqual(prevSessions, t.sessions) {
		t.dirty = true
	}
}

// flushQueues sends prompts queued while their session was busy.
func (t *terminalView) flushQueues() {
	for _, sess := range t.sessions {
		queue := t.queues[sess.ID]
		if len(queue) == 0 || sess.AgentBusy() || !sess.Running() {
			continue
		}
		if err := t.sendPrompt(sess.ID, queue[0]); err != nil {
			if errors.Is(err, schema.ErrSessionBusy) {
				continue
			}
			t.setNotice(fmt.Sprintf("queued prompt failed: %v", err))
			t.queues[sess.ID] = nil
			continue
		}
		t.queues[sess.ID] = queue[1:]
		t.dirty = true
	}
}

func (t *terminalView) refreshBuffer() bool {
	if t.current == "" {
		return false
	}
	resp, err := t.service.GetBuffer(t.ctx, schema.GetBufferRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Limit:     t.viewHeight(),
	})
	if err != nil {
		t.log().Warn("ssh view buffer refresh failed", "err", err)
		return false
	}
	changed := !bufferEqual(t.buffer, resp.Buffer)
	t.buffer = resp.Buffer
	return changed
}

func (t *terminalView) refreshTimeline() bool {
	if t.current == "" {
		return false
	}
	resp, err := t.service.GetTimeline(t.ctx, schema.GetTimelineRequest{
		UserID:    t.userID,
		SessionID: t.current,
	})
	if err != nil {
		t.log().Warn("ssh view timeline refresh failed", "err", err)
		return false
	}
	changed := !timelineEqual(t.timeline, resp.Timeline)
	t.timeline = resp.Timeline
	return changed
}

func (t *terminalView) refreshHistory() {
	if t.current == "" {
		t.history = nil
		t.historyIndex = -1
		t.historyDirty = false
		t.historySess = ""
		return
	}
	resp, err := t.service.GetHistory(t.ctx, schema.GetHistoryRequest{
		UserID:    t.userID,
		SessionID: t.current,
	})
	if err != nil {
		t.log().Warn("ssh view history refresh failed", "err", err)
		t.history = nil
	} else {
		t.history = resp.Entries
	}
	t.historyIndex = -1
	t.historyDirty = false
	t.historySess = t.current
}

// attachInitial picks a session for a fresh view: the first one still
// running, else the first listed.
func (t *terminalView) attachInitial() {
	if t.current != "" || len(t.sessions) == 0 {
		return
	}
	pick := t.sessions[0].ID
	for _, sess := range t.sessions {
		if sess.Running() {
			pick = sess.ID
			break
		}
	}
	t.attach(pick)
}

func (t *terminalView) attach(id schema.SessionID) {
	if id == "" {
		return
	}
	resp, err := t.service.AttachView(t.ctx, schema.AttachViewRequest{
		UserID:    t.userID,
		SessionID: id,
		ViewID:    t.viewID,
		Limit:     t.viewHeight(),
	})
	if err != nil {
		t.setNotice(fmt.Sprintf("attach failed: %v", err))
		t.log().Warn("ssh view attach failed", "session", id, "err", err)
		return
	}
	t.current = id
	t.session = resp.Session
	t.buffer = resp.Buffer
	t.timelineStale = true
	t.refreshHistory()
	t.sendResize()
	t.dirty = true
	t.log().Info("ssh view attached", "session", id)
}

func (t *terminalView) cycleSession(step int) {
	if len(t.sessions) == 0 || step == 0 {
		return
	}
	index := -1
	for i, sess := range t.sessions {
		if sess.ID == t.current {
			index = i
			break
		}
	}
	var next schema.SessionID
	if index < 0 {
		if step > 0 {
			next = t.sessions[0].ID
		} else {
			next = t.sessions[len(t.sessions)-1].ID
		}
	} else {
		n := (index + step) % len(t.sessions)
		if n < 0 {
			n += len(t.sessions)
		}
		next = t.sessions[n].ID
	}
	if next == t.current {
		return
	}
	t.attach(next)
}

// scroll pages the buffer by direction view-heights. Positive is up into
// history.
func (t *terminalView) scroll(direction int) {
	if t.current == "" || t.mode != bodyShell {
		return
	}
	limit := t.viewHeight()
	if limit <= 0 {
		return
	}
	resp, err := t.service.ScrollBuffer(t.ctx, schema.ScrollBufferRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Delta:     direction * limit,
		Limit:     limit,
	})
	if err != nil {
		t.log().Warn("ssh view scroll failed", "err", err)
		return
	}
	t.buffer = resp.Buffer
	t.dirty = true
}

func (t *terminalView) cancelScroll() bool {
	if t.current == "" || t.buffer.AtBottom || t.buffer.ScrollOffset == 0 {
		return false
	}
	resp, err := t.service.ScrollBuffer(t.ctx, schema.ScrollBufferRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Delta:     -t.buffer.ScrollOffset,
		Limit:     t.viewHeight(),
	})
	if err != nil {
		t.log().Warn("ssh view scroll reset failed", "err", err)
		return false
	}
	t.buffer = resp.Buffer
	t.dirty = true
	return true
}

func (t *terminalView) handleKey(k key) bool {
	if t.passthrough {
		t.handlePassthroughKey(k)
		return false
	}
	if t.consoleLines != nil && k.kind != keyNone {
		t.consoleLines = nil
		t.dirty = true
		switch k.kind {
		case keyEsc, keyEnter:
			return false
		}
	}
	if t.chpasswd != nil {
		t.handleChpasswdKey(k)
		return false
	}
	switch k.kind {
	case keyRune:
		if tool := t.pendingTool(); tool != nil && t.editor.Len() == 0 {
			switch k.r {
			case 'y', 'Y':
				t.respondTool(tool.ID, true)
				return false
			case 'n', 'N':
				t.respondTool(tool.ID, false)
				return false
			}
		}
		t.editor.InsertRune(k.r)
		t.historyDirty = true
		t.dirty = true
	case keyEnter:
		return t.handleEnter()
	case keyTab:
		t.cycleSession(1)
	case keyShiftTab:
		t.cycleSession(-1)
	case keyUp:
		if !t.editor.MoveUp() {
			t.historyUp()
		}
		t.dirty = true
	case keyDown:
		if !t.editor.MoveDown() {
			t.historyDown()
		}
		t.dirty = true
	case keyPgUp:
		t.scroll(1)
	case keyPgDn:
		t.scroll(-1)
	case keyEsc:
		t.handleEscape()
	case keyCtrlC:
		if t.editor.Len() > 0 {
			t.editor.Clear()
			t.historyIndex = -1
			t.historyDirty = false
			t.dirty = true
		} else {
			t.setNotice("ctrl+d or /quit disconnects")
		}
	case keyCtrlD:
		if t.editor.Len() == 0 {
			return true
		}
		t.editor.Delete()
		t.dirty = true
	case keyCtrlT:
		t.toggleBody()
	case keyCtrlP:
		t.enterPassthrough()
	case keyCtrlY:
		if tool := t.pendingTool(); tool != nil {
			t.respondTool(tool.ID, true)
		}
	case keyCtrlN:
		if tool := t.pendingTool(); tool != nil {
			t.respondTool(tool.ID, false)
		}
	case keyCtrlL:
		_ = t.screen.Clear()
		t.dirty = true
	default:
		if t.editor.Apply(k) {
			t.historyDirty = true
			t.dirty = true
		}
	}
	return false
}

// handleEscape unwinds transient state in priority order: scrollback,
// then a running turn.
func (t *terminalView) handleEscape() {
	if t.cancelScroll() {
		return
	}
	if t.notice != "" {
		t.notice = ""
		t.dirty = true
		return
	}
	if t.busy() {
		resp, err := t.service.CancelTurn(t.ctx, schema.CancelTurnRequest{
			UserID:    t.userID,
			SessionID: t.current,
		})
		if err != nil {
			t.setNotice(fmt.Sprintf("cancel failed: %v", err))
			return
		}
		if resp.Cancelled {
			t.setNotice("turn cancelled")
		}
	}
}

func (t *terminalView) handleEnter() bool {
	line := t.editor.String()
	if strings.TrimSpace(line) == "" {
		return false
	}
	t.editor.Clear()
	t.historyIndex = -1
	t.historyDirty = false
	t.dirty = true
	t.saveHistoryEntry(line)

	if isChpasswdCommand(line) {
		t.chpasswd = &chpasswdState{}
		return false
	}

	res, handled, err := t.handler.Handle(t.ctx, t.userID, t.current, line)
	if err != nil {
		t.consoleLines = []string{fmt.Sprintf("error: %v", err)}
		return false
	}
	if handled {
		return t.applyCommandResult(res)
	}

	if t.current == "" {
		t.consoleLines = []string{schema.NoticeMarker + "no session; open one with /new [title]"}
		return false
	}
	if t.busy() {
		t.queues[t.current] = append(t.queues[t.current], line)
		t.setNotice(fmt.Sprintf("prompt queued (%d waiting)", len(t.queues[t.current])))
		return false
	}
	if err := t.sendPrompt(t.current, line); err != nil {
		if errors.Is(err, schema.ErrSessionBusy) {
			t.queues[t.current] = append(t.queues[t.current], line)
			t.setNotice(fmt.Sprintf("prompt queued (%d waiting)", len(t.queues[t.current])))
			return false
		}
		t.consoleLines = []string{fmt.Sprintf("error: %v", err)}
	}
	return false
}

func (t *terminalView) applyCommandResult(res command.Result) bool {
	switch res.Action {
	case command.ActionQuit:
		return true
	case command.ActionAttach:
		t.attach(res.SessionID)
		if len(res.Lines) == 1 {
			t.setNotice(sanitizeOutputLine(classifyLine(res.Lines[0]).text))
		}
		return false
	default:
		if len(res.Lines) > 0 {
			t.consoleLines = res.Lines
		}
		return false
	}
}

func (t *terminalView) sendPrompt(id schema.SessionID, prompt string) error {
	_, err := t.service.SendPrompt(t.ctx, schema.SendPromptRequest{
		UserID:    t.userID,
		SessionID: id,
		Prompt:    prompt,
	})
	if err != nil {
		t.log().Warn("ssh view prompt failed", "session", id, "err", err)
	}
	return err
}

func (t *terminalView) respondTool(toolID string, approve bool) {
	if t.current == "" {
		return
	}
	_, err := t.service.RespondTool(t.ctx, schema.RespondToolRequest{
		UserID:    t.userID,
		SessionID: t.current,
		ToolID:    toolID,
		Approve:   approve,
	})
	if err != nil {
		t.setNotice(fmt.Sprintf("tool response failed: %v", err))
		return
	}
	t.dirty = true
}

// pendingTool returns the first tool call waiting for approval, if any.
func (t *terminalView) pendingTool() *schema.RenderBlock {
	for i := range t.timeline.StreamingBlocks {
		block := &t.timeline.StreamingBlocks[i]
		if block.Kind == schema.BlockToolCall && block.ToolStatus == schema.ToolStatusAwaitingApproval {
			return block
		}
	}
	return nil
}

func (t *terminalView) handleChpasswdKey(k key) {
	switch k.kind {
	case keyEsc, keyCtrlC:
		t.chpasswd = nil
		t.editor.Clear()
		t.setNotice("password change cancelled")
	case keyEnter:
		t.submitChpasswdField()
	case keyRune, keyBackspace, keyLeft, keyRight, keyHome, keyEnd:
		if t.editor.Apply(k) {
			t.dirty = true
		}
	}
}

func (t *terminalView) submitChpasswdField() {
	value := t.editor.String()
	t.editor.Clear()
	t.dirty = true
	state := t.chpasswd
	switch state.step {
	case chpasswdCurrent:
		state.current = value
		state.step = chpasswdNew
	case chpasswdNew:
		if strings.TrimSpace(value) == "" {
			t.setNotice("new password must not be empty")
			return
		}
		state.next = value
		state.step = chpasswdConfirm
	case chpasswdConfirm:
		if value != state.next {
			t.setNotice("passwords do not match; starting over")
			state.next = ""
			state.step = chpasswdNew
			return
		}
		state.step = chpasswdTOTP
	case chpasswdTOTP:
		err := t.auth.ChangePassword(string(t.userID), state.current, strings.TrimSpace(value), state.next)
		t.chpasswd = nil
		if err != nil {
			t.setNotice(fmt.Sprintf("password change failed: %v", err))
			t.log().Warn("ssh password change failed", "err", err)
			return
		}
		t.setNotice("password changed")
		t.log().Info("ssh password changed")
	}
}

func (t *terminalView) toggleBody() {
	if t.mode == bodyShell {
		t.mode = bodyConversation
		t.timelineStale = true
	} else {
		t.mode = bodyShell
		t.bufferStale = true
	}
	t.dirty = true
}

// enterPassthrough hands the whole screen to the session PTY. Decoded
// keys are forwarded as their original bytes until Ctrl-B d.
func (t *terminalView) enterPassthrough() {
	if t.current == "" {
		t.setNotice("no session for passthrough")
		return
	}
	if !t.session.Running() {
		t.setNotice("session has exited")
		return
	}
	t.passthrough = true
	t.prefixPending = false
	_ = t.screen.Clear()
	banner := "\r\n" + ansiDim + "passthrough; ctrl+b d returns to the console" + ansiReset + "\r\n"
	_ = t.screen.WriteRaw([]byte(banner))
	t.sendResize()
	t.nudgeRepaint()
	t.log().Info("ssh view passthrough entered")
}

func (t *terminalView) exitPassthrough() {
	if !t.passthrough {
		return
	}
	t.passthrough = false
	t.prefixPending = false
	_ = t.screen.Clear()
	t.sendResize()
	t.bufferStale = true
	t.timelineStale = true
	t.dirty = true
	t.log().Info("ssh view passthrough left")
}

// nudgeRepaint bounces the PTY one row smaller and back so full-screen
// programs repaint into the new surface.
func (t *terminalView) nudgeRepaint() {
	if t.current == "" || t.session.Attached != t.viewID || t.height < 2 {
		return
	}
	_, err := t.service.Resize(t.ctx, schema.ResizeRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Size:      schema.TermSize{Rows: t.height - 1, Cols: t.width},
	})
	if err != nil {
		return
	}
	_, _ = t.service.Resize(t.ctx, schema.ResizeRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Size:      schema.TermSize{Rows: t.height, Cols: t.width},
	})
}

func (t *terminalView) handlePassthroughKey(k key) {
	if t.prefixPending {
		t.prefixPending = false
		switch {
		case k.kind == keyRune && k.r == 'd':
			t.exitPassthrough()
		case k.kind == keyCtrlB:
			t.forwardRaw([]byte{0x02})
		default:
			t.forwardRaw([]byte{0x02})
			t.forwardRaw(k.raw)
		}
		return
	}
	if k.kind == keyCtrlB {
		t.prefixPending = true
		return
	}
	t.forwardRaw(k.raw)
}

func (t *terminalView) forwardRaw(data []byte) {
	if t.current == "" || len(data) == 0 {
		return
	}
	_, err := t.service.WriteInput(t.ctx, schema.WriteInputRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Data:      data,
	})
	if err != nil {
		t.log().Warn("ssh passthrough input failed", "err", err)
		t.exitPassthrough()
		t.setNotice(fmt.Sprintf("passthrough ended: %v", err))
	}
}

func (t *terminalView) historyUp() {
	if t.current == "" {
		return
	}
	appended := t.saveHistoryDraft()
	if len(t.history) == 0 {
		return
	}
	if t.historyIndex == -1 {
		if appended && len(t.history) > 1 {
			t.historyIndex = len(t.history) - 2
		} else {
			t.historyIndex = len(t.history) - 1
		}
	} else if t.historyIndex > 0 {
		t.historyIndex--
	}
	if t.historyIndex >= 0 && t.historyIndex < len(t.history) {
		t.editor.SetString(t.history[t.historyIndex])
		t.historyDirty = false
	}
}

func (t *terminalView) historyDown() {
	if t.current == "" || len(t.history) == 0 {
		return
	}
	t.saveHistoryDraft()
	if t.historyIndex == -1 {
		return
	}
	if t.historyIndex < len(t.history)-1 {
		t.historyIndex++
	}
	if t.historyIndex >= 0 && t.historyIndex < len(t.history) {
		t.editor.SetString(t.history[t.historyIndex])
		t.historyDirty = false
	}
}

// saveHistoryDraft stores the in-progress line before history navigation
// replaces it, so moving back down restores the draft.
func (t *terminalView) saveHistoryDraft() bool {
	if t.current == "" {
		return false
	}
	if t.historyIndex != -1 && !t.historyDirty {
		return false
	}
	entry := t.editor.String()
	if strings.TrimSpace(entry) == "" {
		return false
	}
	appended := len(t.history) == 0 || t.history[len(t.history)-1] != entry
	resp, err := t.service.AppendHistory(t.ctx, schema.AppendHistoryRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Entry:     entry,
	})
	if err != nil {
		t.log().Warn("ssh view history save failed", "err", err)
		return false
	}
	t.history = resp.Entries
	t.historySess = t.current
	t.historyDirty = false
	return appended
}

func (t *terminalView) saveHistoryEntry(entry string) {
	if t.current == "" || strings.TrimSpace(entry) == "" {
		return
	}
	resp, err := t.service.AppendHistory(t.ctx, schema.AppendHistoryRequest{
		UserID:    t.userID,
		SessionID: t.current,
		Entry:     entry,
	})
	if err != nil {
		t.log().Warn("ssh view history save failed", "err", err)
		return
	}
	t.history = resp.Entries
	t.historySess = t.current
}

func (t *terminalView) saveDraftOnExit() {
	if t.chpasswd != nil {
		return
	}
	if t.editor.Len() == 0 {
		return
	}
	t.saveHistoryEntry(t.editor.String())
}

func (t *terminalView) busy() bool {
	return t.current != "" && t.session.AgentBusy()
}

func (t *terminalView) setNotice(message string) {
	t.notice = message
	t.dirty = true
}

// viewHeight is the body pane height for the current frame.
func (t *terminalView) viewHeight() int {
	if t.height <= 2 {
		return 0
	}
	width := t.width
	if width <= 0 {
		width = 80
	}
	prefix, input := t.inputDisplay()
	inputLines, _, _ := renderInputLines(prefix, input, t.editor.cursor, width)
	view := t.height - 2 - len(inputLines)
	if view < 0 {
		view = 0
	}
	return view
}

func (t *terminalView) render() {
	width := t.width
	height := t.height
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	theme := themeForName(t.theme)

	lines := make([]string, 0, height)
	tabLine, tabStart := renderTabBar(t.sessions, t.current, width, theme, t.tabStart)
	t.tabStart = tabStart
	lines = append(lines, tabLine)

	prefix, input := t.inputDisplay()
	inputLines, cursorRow, cursorCol := renderInputLines(stylePromptPrefix(prefix, theme), input, t.editor.cursor, width)
	bodyHeight := height - 2 - len(inputLines)
	if bodyHeight < 0 {
		bodyHeight = 0
	}

	viewLines, atBottom := t.bodyLines()
	lines = append(lines, renderViewport(viewLines, width, bodyHeight, theme, atBottom)...)
	lines = append(lines, t.statusLine(width, theme))
	lines = append(lines, inputLines...)

	cursorRow = len(lines) - len(inputLines) + cursorRow
	if err := t.screen.Render(lines, cursorRow, cursorCol); err != nil {
		t.log().Warn("ssh view render failed", "err", err)
	}
}

func (t *terminalView) bodyLines() ([]string, bool) {
	switch {
	case t.consoleLines != nil:
		return t.consoleLines, true
	case t.current == "":
		return []string{schema.NoticeMarker + "no session; open one with /new [title]"}, true
	case t.mode == bodyConversation:
		return t.conversationLines(), true
	default:
		return t.buffer.Lines, t.buffer.AtBottom
	}
}

// conversationLines flattens the timeline into marked lines: settled
// blocks, in-flight tool blocks, then the streaming preview.
func (t *terminalView) conversationLines() []string {
	var out []string
	for _, block := range t.timeline.Blocks {
		out = append(out, t.renderer.FormatBlock(block)...)
	}
	for _, block := range t.timeline.StreamingBlocks {
		out = append(out, t.renderer.FormatBlock(block)...)
	}
	if t.timeline.StreamingText != "" {
		for _, line := range strings.Split(t.timeline.StreamingText, "\n") {
			out = append(out, schema.AgentMarker+line)
		}
	}
	if tool := t.pendingTool(); tool != nil {
		out = append(out, schema.NoticeMarker+"tool awaiting approval: y approves, n denies")
	}
	if len(out) == 0 {
		out = []string{schema.NoticeMarker + "no conversation yet; type a prompt"}
	}
	return out
}

func (t *terminalView) statusLine(width int, theme tuiTheme) string {
	var left []string
	if t.current != "" {
		title := strings.TrimSpace(t.session.Title)
		if title == "" {
			title = string(t.current)
		}
		left = append(left, title)
		if dir := tailPath(t.session.WorkingDir); dir != "" {
			left = append(left, dir)
		}
		switch {
		case !t.session.Running():
			left = append(left, "exited")
		case t.session.Phase != "" && t.session.Phase != schema.PhaseIdle:
			left = append(left, string(t.session.Phase))
		}
		if queued := len(t.queues[t.current]); queued > 0 {
			left = append(left, fmt.Sprintf("%d queued", queued))
		}
		if t.session.Attached != t.viewID && t.session.Attached != "" {
			left = append(left, "owner "+surfaceName(t.session.Attached))
		}
	}
	if t.notice != "" {
		left = append(left, t.notice)
	}

	var right []string
	if t.mode == bodyConversation {
		right = append(right, "[talk]")
	} else {
		right = append(right, "[shell]")
		if t.current != "" && !t.buffer.AtBottom {
			right = append(right, fmt.Sprintf("[+%d]", t.buffer.ScrollOffset))
		}
	}
	return renderStatusLine(" "+strings.Join(left, "  "), strings.Join(right, " ")+" ", width, theme)
}

func (t *terminalView) inputDisplay() (string, string) {
	if t.chpasswd != nil {
		input := t.editor.String()
		if t.chpasswd.step != chpasswdTOTP {
			input = maskInput(input)
		}
		return t.chpasswd.prompt(), input
	}
	return t.promptPrefix(), t.editor.String()
}

func (t *terminalView) promptPrefix() string {
	if t.busy() && len(spinnerFrames) > 0 {
		return string(spinnerFrames[t.spinnerIdx]) + " "
	}
	if t.idlePrompt == "" {
		return "> "
	}
	return t.idlePrompt
}

func stylePromptPrefix(prefix string, theme tuiTheme) string {
	if strings.HasPrefix(prefix, ">") {
		return ansiBold + ansiFgRGB(theme.PromptFG) + ">" + ansiReset + strings.TrimPrefix(prefix, ">")
	}
	if first := []rune(prefix); len(first) > 0 {
		for _, frame := range spinnerFrames {
			if first[0] == frame {
				return ansiFgRGB(theme.SpinnerFG) + string(first[0]) + ansiReset + string(first[1:])
			}
		}
	}
	return prefix
}

func maskInput(value string) string {
	if value == "" {
		return ""
	}
	return strings.Repeat("*", len([]rune(value)))
}

func isChpasswdCommand(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/chpasswd") {
		return false
	}
	if len(trimmed) == len("/chpasswd") {
		return true
	}
	next := trimmed[len("/chpasswd")]
	return next == ' ' || next == '\t'
}

// surfaceName reduces a view ID to its surface label, "web:f3a1" to
// "web".
func surfaceName(viewID schema.ViewID) string {
	id := string(viewID)
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return id
}

func tailPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(parts) <= 2 {
		return path
	}
	return ".../" + strings.Join(parts[len(parts)-2:], "/")
}

func sessionEqual(a, b schema.SessionSnapshot) bool {
	if a.ID != b.ID || a.Title != b.Title || a.WorkingDir != b.WorkingDir {
		return false
	}
	if a.Phase != b.Phase || a.TurnID != b.TurnID || a.Attached != b.Attached {
		return false
	}
	if a.AltScreen != b.AltScreen || a.Size != b.Size || a.Blocks != b.Blocks {
		return false
	}
	if !a.StartedAt.Equal(b.StartedAt) || !a.EndedAt.Equal(b.EndedAt) {
		return false
	}
	if (a.ExitCode == nil) != (b.ExitCode == nil) {
		return false
	}
	if a.ExitCode != nil && *a.ExitCode != *b.ExitCode {
		return false
	}
	return true
}

func sessionsEqual(a, b []schema.SessionSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sessionEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func bufferEqual(a, b schema.BufferSnapshot) bool {
	if a.SessionID != b.SessionID || a.TotalLines != b.TotalLines {
		return false
	}
	if a.ScrollOffset != b.ScrollOffset || a.AtBottom != b.AtBottom {
		return false
	}
	if len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i] != b.Lines[i] {
			return false
		}
	}
	return true
}

// timelineEqual is a cheap change check: block counts, identity of the
// last block, and streaming state.
func timelineEqual(a, b schema.TimelineSnapshot) bool {
	if len(a.Blocks) != len(b.Blocks) || len(a.StreamingBlocks) != len(b.StreamingBlocks) {
		return false
	}
	if a.StreamingText != b.StreamingText || a.Phase != b.Phase {
		return false
	}
	if len(a.Blocks) > 0 && a.Blocks[len(a.Blocks)-1].ID != b.Blocks[len(b.Blocks)-1].ID {
		return false
	}
	for i := range a.StreamingBlocks {
		if a.StreamingBlocks[i].ID != b.StreamingBlocks[i].ID ||
			a.StreamingBlocks[i].ToolStatus != b.StreamingBlocks[i].ToolStatus {
			return false
		}
	}
	return true
}
