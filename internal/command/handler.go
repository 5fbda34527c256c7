package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/internal/format"
	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

// Action tells the invoking surface what to do after a command.
type Action int

const (
	// ActionNone leaves the surface where it is.
	ActionNone Action = iota
	// ActionAttach switches the surface to Result.SessionID.
	ActionAttach
	// ActionQuit leaves the console.
	ActionQuit
)

// Result carries a command's output lines and any surface directive.
// Lines use the output markers; surfaces decide presentation.
type Result struct {
	Lines     []string
	Action    Action
	SessionID schema.SessionID
}

// HandlerConfig configures slash command behavior.
type HandlerConfig struct {
	DisableAuditLogging bool
}

// Handler routes slash commands to service operations. Command output is
// returned to the invoking surface rather than written into the session,
// because the terminal buffer carries the shell's bytes verbatim.
type Handler struct {
	service  core.Service
	renderer *format.PlainRenderer
	cfg      HandlerConfig
}

// NewHandler constructs a command handler.
func NewHandler(service core.Service, cfg HandlerConfig) *Handler {
	return &Handler{
		service:  service,
		renderer: format.NewPlainRenderer(),
		cfg:      cfg,
	}
}

// Handle inspects input and executes slash commands. The boolean reports
// whether the input was a command; anything else is left for the surface
// to forward as a prompt.
func (h *Handler) Handle(ctx context.Context, userID schema.UserID, current schema.SessionID, input string) (Result, bool, error) {
	if ctx == nil {
		return Result{}, false, errors.New("missing context")
	}
	cmd, ok := Parse(input)
	if !ok {
		return Result{}, false, nil
	}
	log := logx.WithUserSession(ctx, userID, current).With("command", cmd.Name, "args", len(cmd.Args))
	if !h.cfg.DisableAuditLogging {
		log.Debug("audit command", "command_type", "slash", "command", strings.TrimSpace(input))
	}
	log.Info("command slash request")
	switch cmd.Name {
	case "":
		log.Warn("command slash rejected", "reason", "empty")
		return Result{}, true, fmt.Errorf("invalid command")
	case "help":
		log.Info("command help completed")
		return Result{Lines: helpLines()}, true, nil
	case "sessions":
		res, err := h.handleSessions(ctx, userID, current)
		return res, true, err
	case "new":
		res, err := h.handleNew(ctx, userID, cmd)
		return res, true, err
	case "attach":
		res, err := h.handleAttach(ctx, userID, cmd)
		return res, true, err
	case "close":
		res, err := h.handleClose(ctx, userID, current, cmd)
		return res, true, err
	case "usage":
		res, err := h.handleUsage(ctx, userID)
		return res, true, err
	case "transcripts":
		res, err := h.handleTranscripts(ctx, userID, cmd)
		return res, true, err
	case "seq":
		res, err := h.handleSeq(ctx, userID, current)
		return res, true, err
	case "quit", "exit":
		log.Info("command quit completed")
		return Result{Action: ActionQuit}, true, nil
	default:
		log.Warn("command slash rejected", "reason", "unknown")
		return Result{}, true, fmt.Errorf("unknown command: /%s", cmd.Name)
	}
}

func helpLines() []string {
	return []string{
		schema.TurnSummaryMarker + "Commands",
		schema.HelpMarker + "**/sessions** - list open sessions",
		schema.HelpMarker + "**/new** `[title]` - open a new session",
		schema.HelpMarker + "**/attach** `<number|id|title>` - switch to a session",
		schema.HelpMarker + "**/close** `[number|id|title]` - close a session (default: current)",
		schema.HelpMarker + "**/usage** - token usage per session",
		schema.HelpMarker + "**/transcripts** `[number|name]` - list or show saved transcripts",
		schema.HelpMarker + "**/seq** - event ordering state for the current session",
		schema.HelpMarker + "**/quit** - leave the console",
	}
}

func (h *Handler) handleSessions(ctx context.Context, userID schema.UserID, current schema.SessionID) (Result, error) {
	log := logx.WithUserSession(ctx, userID, current)
	resp, err := h.service.ListSessions(ctx, schema.ListSessionsRequest{UserID: userID})
	if err != nil {
		log.Warn("command sessions failed", "err", err)
		return Result{}, err
	}
	lines := []string{schema.TurnSummaryMarker + "Sessions"}
	if len(resp.Sessions) == 0 {
		lines = append(lines, "no open sessions")
	}
	for i, sess := range resp.Sessions {
		marker := "  "
		if sess.ID == current {
			marker = "* "
		}
		lines = append(lines, fmt.Sprintf("%s%d. %s  %s", marker, i+1, sessionLabel(sess), sessionState(sess)))
	}
	log.Info("command sessions completed", "count", len(resp.Sessions))
	return Result{Lines: lines}, nil
}

func (h *Handler) handleNew(ctx context.Context, userID schema.UserID, cmd Command) (Result, error) {
	log := logx.WithUser(ctx, userID)
	resp, err := h.service.OpenSession(ctx, schema.OpenSessionRequest{
		UserID: userID,
		Title:  cmd.Remainder,
	})
	if err != nil {
		log.Warn("command new failed", "err", err)
		return Result{}, err
	}
	log.Info("command new completed", "session", resp.Session.ID)
	return Result{
		Lines:     []string{fmt.Sprintf("session opened: %s", sessionLabel(resp.Session))},
		Action:    ActionAttach,
		SessionID: resp.Session.ID,
	}, nil
}

func (h *Handler) handleAttach(ctx context.Context, userID schema.UserID, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("usage: /attach <number|id|title>")
	}
	log := logx.WithUser(ctx, userID)
	listResp, err := h.service.ListSessions(ctx, schema.ListSessionsRequest{UserID: userID})
	if err != nil {
		log.Warn("command attach list failed", "err", err)
		return Result{}, err
	}
	target, err := resolveSessionRef(cmd.Remainder, listResp.Sessions)
	if err != nil {
		log.Warn("command attach resolve failed", "err", err)
		return Result{}, err
	}
	log.Info("command attach completed", "session", target.ID)
	return Result{
		Lines:     []string{fmt.Sprintf("attached: %s", sessionLabel(target))},
		Action:    ActionAttach,
		SessionID: target.ID,
	}, nil
}

func (h *Handler) handleClose(ctx context.Context, userID schema.UserID, current schema.SessionID, cmd Command) (Result, error) {
	log := logx.WithUserSession(ctx, userID, current)
	listResp, err := h.service.ListSessions(ctx, schema.ListSessionsRequest{UserID: userID})
	if err != nil {
		log.Warn("command close list failed", "err", err)
		return Result{}, err
	}
	var target schema.SessionSnapshot
	if len(cmd.Args) == 0 {
		if current == "" {
			log.Warn("command close rejected", "reason", "no current session")
			return Result{}, errors.New("no current session; usage: /close <number|id|title>")
		}
		target, err = resolveSessionRef(string(current), listResp.Sessions)
	} else {
		target, err = resolveSessionRef(cmd.Remainder, listResp.Sessions)
	}
	if err != nil {
		log.Warn("command close resolve failed", "err", err)
		return Result{}, err
	}
	if _, err := h.service.CloseSession(ctx, schema.CloseSessionRequest{
		UserID:    userID,
		SessionID: target.ID,
	}); err != nil {
		log.Warn("command close failed", "err", err)
		return Result{}, err
	}
	log.Info("command close completed", "session", target.ID)
	return Result{Lines: []string{fmt.Sprintf("session closed: %s", sessionLabel(target))}}, nil
}

func (h *Handler) handleUsage(ctx context.Context, userID schema.UserID) (Result, error) {
	log := logx.WithUser(ctx, userID)
	resp, err := h.service.GetUsage(ctx, schema.GetUsageRequest{UserID: userID})
	if err != nil {
		log.Warn("command usage failed", "err", err)
		return Result{}, err
	}
	lines := []string{schema.TurnSummaryMarker + "Usage"}
	if len(resp.Usage.Sessions) == 0 {
		lines = append(lines, "no usage recorded")
		return Result{Lines: lines}, nil
	}
	labels := make([]string, 0, len(resp.Usage.Sessions))
	for _, u := range resp.Usage.Sessions {
		labels = append(labels, usageLabel(u))
	}
	width := maxLabelWidth(labels)
	for i, u := range resp.Usage.Sessions {
		lines = append(lines, fmt.Sprintf("%-*s %d tokens, %d turns", width, labels[i]+":", u.TokensUsed, u.Turns))
	}
	lines = append(lines, fmt.Sprintf("total: %d tokens over %d turns", resp.Usage.TotalTokens, resp.Usage.TotalTurns))
	log.Info("command usage completed", "sessions", len(resp.Usage.Sessions))
	return Result{Lines: lines}, nil
}

func (h *Handler) handleTranscripts(ctx context.Context, userID schema.UserID, cmd Command) (Result, error) {
	log := logx.WithUser(ctx, userID)
	listResp, err := h.service.ListTranscripts(ctx, schema.ListTranscriptsRequest{UserID: userID})
	if err != nil {
		log.Warn("command transcripts list failed", "err", err)
		return Result{}, err
	}
	if len(cmd.Args) == 0 {
		lines := []string{schema.TurnSummaryMarker + "Transcripts"}
		if len(listResp.Transcripts) == 0 {
			lines = append(lines, "no transcripts saved")
		}
		for i, info := range listResp.Transcripts {
			lines = append(lines, fmt.Sprintf("%d. %s  %d blocks  %s  %s",
				i+1, transcriptLabel(info), info.Blocks,
				info.SavedAt.Local().Format("2006-01-02 15:04"), info.Name))
		}
		log.Info("command transcripts completed", "count", len(listResp.Transcripts))
		return Result{Lines: lines}, nil
	}

	name := cmd.Remainder
	if idx, convErr := strconv.Atoi(name); convErr == nil {
		if idx <= 0 || idx > len(listResp.Transcripts) {
			return Result{}, fmt.Errorf("transcript index out of range")
		}
		name = listResp.Transcripts[idx-1].Name
	}
	getResp, err := h.service.GetTranscript(ctx, schema.GetTranscriptRequest{UserID: userID, Name: name})
	if err != nil {
		log.Warn("command transcripts failed", "err", err, "name", name)
		return Result{}, err
	}
	lines := []string{schema.TurnSummaryMarker + transcriptLabel(getResp.Info)}
	for _, block := range getResp.Timeline.Blocks {
		lines = append(lines, h.renderer.FormatBlock(block)...)
	}
	log.Info("command transcripts completed", "name", name, "blocks", len(getResp.Timeline.Blocks))
	return Result{Lines: lines}, nil
}

func (h *Handler) handleSeq(ctx context.Context, userID schema.UserID, current schema.SessionID) (Result, error) {
	log := logx.WithUserSession(ctx, userID, current)
	resp, err := h.service.GetSeqState(ctx, schema.GetSeqStateRequest{UserID: userID, SessionID: current})
	if err != nil {
		log.Warn("command seq failed", "err", err)
		return Result{}, err
	}
	lines := []string{schema.TurnSummaryMarker + "Event ordering"}
	switch {
	case current == "":
		lines = append(lines, "no current session")
	case resp.Tracked:
		lines = append(lines, fmt.Sprintf("last sequence: %d", resp.LastSeq))
	default:
		lines = append(lines, "no sequenced events yet")
	}
	lines = append(lines, fmt.Sprintf("tracked sessions: %d", resp.Sessions))
	log.Info("command seq completed", "tracked", resp.Tracked, "sessions", resp.Sessions)
	return Result{Lines: lines}, nil
}

func resolveSessionRef(ref string, sessions []schema.SessionSnapshot) (schema.SessionSnapshot, error) {
	ref = strings.TrimSpace(ref)
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx <= 0 || idx > len(sessions) {
			return schema.SessionSnapshot{}, fmt.Errorf("session index out of range")
		}
		return sessions[idx-1], nil
	}
	for _, sess := range sessions {
		if string(sess.ID) == ref {
			return sess, nil
		}
	}
	for _, sess := range sessions {
		if strings.EqualFold(strings.TrimSpace(sess.Title), ref) {
			return sess, nil
		}
	}
	return schema.SessionSnapshot{}, fmt.Errorf("session not found: %s", ref)
}

func sessionLabel(sess schema.SessionSnapshot) string {
	if title := strings.TrimSpace(sess.Title); title != "" {
		return title
	}
	return shortID(sess.ID)
}

func sessionState(sess schema.SessionSnapshot) string {
	if !sess.Running() {
		if sess.ExitCode != nil {
			return fmt.Sprintf("[exited %d]", *sess.ExitCode)
		}
		return "[exited]"
	}
	if sess.AgentBusy() {
		return fmt.Sprintf("[%s]", sess.Phase)
	}
	return "[shell]"
}

func usageLabel(u schema.SessionUsage) string {
	if title := strings.TrimSpace(u.Title); title != "" {
		return title
	}
	return shortID(u.SessionID)
}

func transcriptLabel(info schema.TranscriptInfo) string {
	if title := strings.TrimSpace(info.Title); title != "" {
		return title
	}
	return shortID(info.SessionID)
}

func shortID(id schema.SessionID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func maxLabelWidth(labels []string) int {
	max := 0
	for _, label := range labels {
		if label == "" {
			continue
		}
		if width := len(label) + 1; width > max {
			max = width
		}
	}
	return max
}
