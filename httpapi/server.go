package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/internal/auth"
	"github.com/qbit-ai/qbitsync/internal/command"
	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
	"pkt.systems/pslog"
)

// Authenticator verifies username, password, and totp.
type Authenticator interface {
	Authenticate(username, password, totp string) error
	ChangePassword(username, currentPassword, totp, newPassword string) error
}

// CommandHandler routes slash commands typed into the prompt line.
type CommandHandler interface {
	Handle(ctx context.Context, userID schema.UserID, current schema.SessionID, input string) (command.Result, bool, error)
}

// Server serves the HTTP API and the web console.
type Server struct {
	cfg        Config
	service    core.Service
	cmdHandler CommandHandler
	authStore  Authenticator
	sessions   *sessionStore
	hub        *Hub
	basePath   string
	baseHref   string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, handler CommandHandler, authStore Authenticator, hub *Hub) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &Server{
		cfg:        cfg,
		service:    service,
		cmdHandler: handler,
		authStore:  authStore,
		sessions:   newSessionStore(ttl, cfg.SessionFile),
		hub:        hub,
		basePath:   normalizeBasePath(cfg.BasePath),
		baseHref:   buildBaseHref(cfg.BaseURL, cfg.BasePath),
	}
}

// SetBaseContext sets the parent context for login session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.setBaseContext(ctx)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsFS))))

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/chpasswd", s.requireSession(s.handleChangePassword))
	mux.HandleFunc("/api/me", s.requireSession(s.handleMe))
	mux.HandleFunc("/api/sessions", s.requireSession(s.handleSessions))
	mux.HandleFunc("/api/sessions/close", s.requireSession(s.handleClose))
	mux.HandleFunc("/api/attach", s.requireSession(s.handleAttach))
	mux.HandleFunc("/api/detach", s.requireSession(s.handleDetach))
	mux.HandleFunc("/api/prompt", s.requireSession(s.handlePrompt))
	mux.HandleFunc("/api/command", s.requireSession(s.handleCommand))
	mux.HandleFunc("/api/input", s.requireSession(s.handleInput))
	mux.HandleFunc("/api/resize", s.requireSession(s.handleResize))
	mux.HandleFunc("/api/cancel", s.requireSession(s.handleCancel))
	mux.HandleFunc("/api/tool", s.requireSession(s.handleTool))
	mux.HandleFunc("/api/buffer", s.requireSession(s.handleBuffer))
	mux.HandleFunc("/api/timeline", s.requireSession(s.handleTimeline))
	mux.HandleFunc("/api/history", s.requireSession(s.handleHistory))
	mux.HandleFunc("/api/usage", s.requireSession(s.handleUsage))
	mux.HandleFunc("/api/transcripts", s.requireSession(s.handleTranscripts))
	mux.HandleFunc("/api/seq", s.requireSession(s.handleSeq))
	mux.HandleFunc("/api/stream", s.requireSession(s.handleStream))

	handler := withRequestLogging(mux, s.lookupSession)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := fs.ReadFile(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	stat, err := fs.Stat(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	data = applyBaseHref(data, s.baseHref)
	data = applyUIMaxBufferLines(data, s.cfg.UIMaxBufferLines)
	reader := bytes.NewReader(data)
	http.ServeContent(w, r, "index.html", stat.ModTime(), reader)
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"
const uiMaxBufferLinesPlaceholder = "UI_MAX_BUFFER_LINES"
const defaultUIMaxBufferLines = 2000

func applyBaseHref(data []byte, baseHref string) []byte {
	replacement := ""
	if strings.TrimSpace(baseHref) != "" {
		replacement = fmt.Sprintf(`<base href="%s" />`, html.EscapeString(baseHref))
	}
	return bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(replacement))
}

func applyUIMaxBufferLines(data []byte, maxLines int) []byte {
	if maxLines <= 0 {
		maxLines = defaultUIMaxBufferLines
	}
	replacement := []byte(fmt.Sprintf("%d", maxLines))
	return bytes.ReplaceAll(data, []byte(uiMaxBufferLinesPlaceholder), replacement)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.authStore.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(schema.UserID(payload.Username))
	cookie := &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]any{"username": payload.Username})
	log.Info("http login ok")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.userID, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("user", userID, "remote", clientIP(r))
	log.Info("http chpasswd request", "command", "/chpasswd")
	var payload struct {
		CurrentPassword string `json:"current_password"`
		TOTP            string `json:"totp"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http chpasswd decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.CurrentPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("current password is required"))
		return
	}
	if strings.TrimSpace(payload.NewPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("new password is required"))
		return
	}
	if strings.TrimSpace(payload.ConfirmPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("confirm password is required"))
		return
	}
	if payload.NewPassword != payload.ConfirmPassword {
		writeError(w, http.StatusBadRequest, errors.New("passwords do not match"))
		return
	}
	if strings.TrimSpace(payload.TOTP) == "" {
		writeError(w, http.StatusBadRequest, errors.New("totp is required"))
		return
	}
	if err := s.authStore.ChangePassword(string(userID), payload.CurrentPassword, payload.TOTP, payload.NewPassword); err != nil {
		log.Warn("http chpasswd failed", "err", err)
		log.Info("http chpasswd rejected", "command", "/chpasswd")
		status := http.StatusInternalServerError
		switch {
		case isPasswordChangeAuthError(err):
			status = http.StatusUnauthorized
		case isPasswordChangeValidationError(err):
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http chpasswd ok", "command", "/chpasswd")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{"username": userID})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.ListSessions(ctx, schema.ListSessionsRequest{UserID: userID})
		if err != nil {
			log.Warn("http sessions list failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http sessions list ok", "count", len(resp.Sessions))
	case http.MethodPost:
		var payload struct {
			Title      string `json:"title"`
			WorkingDir string `json:"working_dir"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http sessions decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.service.OpenSession(ctx, schema.OpenSessionRequest{
			UserID:     userID,
			Title:      payload.Title,
			WorkingDir: payload.WorkingDir,
		})
		if err != nil {
			log.Warn("http sessions open failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http sessions open ok", "session", resp.Session.ID, "title", resp.Session.Title)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http close decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.CloseSession(ctx, schema.CloseSessionRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
	})
	if err != nil {
		log.Warn("http close failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http close ok", "session", resp.Session.ID)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http attach decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.AttachView(ctx, schema.AttachViewRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
		ViewID:    s.viewID(r.Context()),
		Limit:     s.cfg.InitialBufferLines,
	})
	if err != nil {
		log.Warn("http attach failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http attach ok", "session", resp.Session.ID, "view", resp.Session.Attached)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http detach decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.DetachView(ctx, schema.DetachViewRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
		ViewID:    s.viewID(r.Context()),
	})
	if err != nil {
		log.Warn("http detach failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http detach ok", "session", resp.Session.ID)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		SessionID string `json:"session_id"`
		Input     string `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http prompt decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("session", payload.SessionID, "input_len", len(payload.Input))
	if isLogoutCommand(payload.Input) {
		s.handleLogout(w, r)
		return
	}
	ctx := sessionContext(r.Context())
	sessionID := schema.SessionID(payload.SessionID)
	if sessionID != "" && strings.TrimSpace(payload.Input) != "" {
		_, _ = s.service.AppendHistory(ctx, schema.AppendHistoryRequest{
			UserID:    userID,
			SessionID: sessionID,
			Entry:     payload.Input,
		})
	}
	res, handled, err := s.cmdHandler.Handle(ctx, userID, sessionID, payload.Input)
	if err != nil {
		log.Warn("http prompt command failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if handled {
		writeJSON(w, http.StatusOK, commandResponse(res))
		log.Info("http prompt command ok", "action", actionName(res.Action))
		return
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required; open a session with /new"))
		log.Warn("http prompt rejected", "reason", "no session")
		return
	}
	resp, err := s.service.SendPrompt(ctx, schema.SendPromptRequest{
		UserID:    userID,
		SessionID: sessionID,
		Prompt:    payload.Input,
	})
	if err != nil {
		log.Warn("http prompt failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http prompt ok", "turn", resp.TurnID)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
		Input     string `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http command decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, handled, err := s.cmdHandler.Handle(ctx, userID, schema.SessionID(payload.SessionID), payload.Input)
	if err != nil {
		log.Warn("http command failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !handled {
		writeError(w, http.StatusBadRequest, errors.New("not a slash command"))
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(res))
	log.Info("http command ok", "action", actionName(res.Action))
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
		Data      []byte `json:"data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http input decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	if _, err := s.service.WriteInput(ctx, schema.WriteInputRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
		Data:      payload.Data,
	}); err != nil {
		log.Warn("http input failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Debug("http input ok", "session", payload.SessionID, "bytes", len(payload.Data))
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
		Rows      int    `json:"rows"`
		Cols      int    `json:"cols"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http resize decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	if _, err := s.service.Resize(ctx, schema.ResizeRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
		Size:      schema.TermSize{Rows: payload.Rows, Cols: payload.Cols},
	}); err != nil {
		log.Warn("http resize failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Debug("http resize ok", "session", payload.SessionID, "rows", payload.Rows, "cols", payload.Cols)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http cancel decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.CancelTurn(ctx, schema.CancelTurnRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
	})
	if err != nil {
		log.Warn("http cancel failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http cancel ok", "session", payload.SessionID, "cancelled", resp.Cancelled)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		SessionID string `json:"session_id"`
		ToolID    string `json:"tool_id"`
		Approve   bool   `json:"approve"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tool decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.RespondTool(ctx, schema.RespondToolRequest{
		UserID:    userID,
		SessionID: schema.SessionID(payload.SessionID),
		ToolID:    payload.ToolID,
		Approve:   payload.Approve,
	})
	if err != nil {
		log.Warn("http tool failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http tool ok", "session", payload.SessionID, "tool", payload.ToolID, "approve", payload.Approve)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), s.cfg.InitialBufferLines)
	resp, err := s.service.GetBuffer(r.Context(), schema.GetBufferRequest{
		UserID:    userID,
		SessionID: schema.SessionID(sessionID),
		Limit:     limit,
	})
	if err != nil {
		log.Warn("http buffer failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http buffer ok", "session", sessionID, "lines", resp.Buffer.TotalLines)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	resp, err := s.service.GetTimeline(r.Context(), schema.GetTimelineRequest{
		UserID:    userID,
		SessionID: schema.SessionID(sessionID),
		Limit:     parseInt(r.URL.Query().Get("limit"), 0),
	})
	if err != nil {
		log.Warn("http timeline failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http timeline ok", "session", sessionID, "blocks", len(resp.Timeline.Blocks))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	switch r.Method {
	case http.MethodGet:
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
			return
		}
		resp, err := s.service.GetHistory(ctx, schema.GetHistoryRequest{
			UserID:    userID,
			SessionID: schema.SessionID(sessionID),
		})
		if err != nil {
			log.Warn("http history get failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http history get ok", "session", sessionID, "entries", len(resp.Entries))
	case http.MethodPost:
		var payload struct {
			SessionID string `json:"session_id"`
			Entry     string `json:"entry"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http history decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.SessionID == "" {
			writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
			return
		}
		if strings.TrimSpace(payload.Entry) == "" {
			resp, err := s.service.GetHistory(ctx, schema.GetHistoryRequest{
				UserID:    userID,
				SessionID: schema.SessionID(payload.SessionID),
			})
			if err != nil {
				log.Warn("http history get failed", "err", err)
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			log.Info("http history get ok", "session", payload.SessionID, "entries", len(resp.Entries))
			return
		}
		resp, err := s.service.AppendHistory(ctx, schema.AppendHistoryRequest{
			UserID:    userID,
			SessionID: schema.SessionID(payload.SessionID),
			Entry:     payload.Entry,
		})
		if err != nil {
			log.Warn("http history append failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http history append ok", "session", payload.SessionID, "entries", len(resp.Entries))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	resp, err := s.service.GetUsage(r.Context(), schema.GetUsageRequest{UserID: userID})
	if err != nil {
		log.Warn("http usage failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http usage ok", "sessions", len(resp.Usage.Sessions), "tokens", resp.Usage.TotalTokens)
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	if name := r.URL.Query().Get("name"); name != "" {
		resp, err := s.service.GetTranscript(r.Context(), schema.GetTranscriptRequest{
			UserID: userID,
			Name:   name,
		})
		if err != nil {
			log.Warn("http transcript get failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http transcript get ok", "name", name, "blocks", len(resp.Timeline.Blocks))
		return
	}
	resp, err := s.service.ListTranscripts(r.Context(), schema.ListTranscriptsRequest{UserID: userID})
	if err != nil {
		log.Warn("http transcripts list failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http transcripts list ok", "count", len(resp.Transcripts))
}

func (s *Server) handleSeq(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	resp, err := s.service.GetSeqState(r.Context(), schema.GetSeqStateRequest{
		UserID:    userID,
		SessionID: schema.SessionID(r.URL.Query().Get("session_id")),
	})
	if err != nil {
		log.Warn("http seq failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http seq ok", "session", resp.SessionID, "last_seq", resp.LastSeq)
}

func isLogoutCommand(input string) bool {
	trimmed := strings.TrimSpace(input)
	switch trimmed {
	case "/quit", "/exit", "/logout", "/q":
		return true
	default:
		return false
	}
}

// handleStream serves the SSE event feed. Subscribing before the snapshot is
// built means no event published while the snapshot queries run can be lost;
// the sequence skip below drops the ones the snapshot already includes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	ch, unsubscribe, seq := s.hub.Subscribe(userID)
	defer unsubscribe()

	var lastSent uint64
	resumed := false
	if lastID > 0 {
		replay, complete := s.hub.Replay(userID, lastID)
		if complete {
			resumed = true
			lastSent = lastID
			for _, event := range replay {
				_ = writeSSEvent(w, event)
				if event.Seq > lastSent {
					lastSent = event.Seq
				}
			}
			flusher.Flush()
		}
	}
	if !resumed {
		snapshot := s.buildSnapshot(ctx, userID)
		_ = writeSSEvent(w, StreamEvent{
			Type:      "snapshot",
			Snapshot:  &snapshot,
			Timestamp: time.Now(),
		})
		flusher.Flush()
		lastSent = seq
	}

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "resumed", resumed, "seq", lastSent)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, open := <-ch:
			if !open {
				log.Info("http stream closed")
				return
			}
			if event.Seq <= lastSent {
				continue
			}
			_ = writeSSEvent(w, event)
			lastSent = event.Seq
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot(ctx context.Context, userID schema.UserID) SnapshotPayload {
	resp, err := s.service.ListSessions(ctx, schema.ListSessionsRequest{UserID: userID})
	if err != nil {
		return SnapshotPayload{}
	}
	buffers := make(map[schema.SessionID]schema.BufferSnapshot)
	timelines := make(map[schema.SessionID]schema.TimelineSnapshot)
	for _, sess := range resp.Sessions {
		bufferResp, err := s.service.GetBuffer(ctx, schema.GetBufferRequest{
			UserID:    userID,
			SessionID: sess.ID,
			Limit:     s.cfg.InitialBufferLines,
		})
		if err == nil {
			buffers[sess.ID] = bufferResp.Buffer
		}
		timelineResp, err := s.service.GetTimeline(ctx, schema.GetTimelineRequest{
			UserID:    userID,
			SessionID: sess.ID,
		})
		if err == nil {
			timelines[sess.ID] = timelineResp.Timeline
		}
	}
	return SnapshotPayload{
		Sessions:  resp.Sessions,
		Buffers:   buffers,
		Timelines: timelines,
		Theme:     resp.Theme,
	}
}

// viewID names the terminal view owned by one web login session. Every
// request from the same login shares the view, so attaching from a second
// browser tab of the same login is a no-op while a second login displaces it.
func (s *Server) viewID(ctx context.Context) schema.ViewID {
	if sess, ok := loginSessionFromContext(ctx); ok {
		return schema.ViewID("web:" + sess.id)
	}
	return schema.ViewID("web")
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.userID, "http_session", entry.id)
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.userID)
		ctx = withSessionContext(ctx, entry)
		next(w, r.WithContext(ctx), entry.userID)
	}
}

type sessionContextKey struct{}

func withSessionContext(ctx context.Context, sess loginSession) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

func loginSessionFromContext(ctx context.Context) (loginSession, bool) {
	if ctx == nil {
		return loginSession{}, false
	}
	sess, ok := ctx.Value(sessionContextKey{}).(loginSession)
	return sess, ok
}

// sessionContext reparents the request onto the login session's context so
// work outlives the request only as long as the login does, keeping the
// request-scoped logger fields.
func sessionContext(ctx context.Context) context.Context {
	sess, ok := loginSessionFromContext(ctx)
	if !ok || sess.ctx == nil {
		return ctx
	}
	logger := pslog.Ctx(ctx)
	return logx.CopyContextFields(pslog.ContextWithLogger(sess.ctx, logger), ctx)
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return "", ""
	}
	return entry.userID, entry.id
}

func commandResponse(res command.Result) map[string]any {
	payload := map[string]any{
		"handled": true,
		"lines":   res.Lines,
		"action":  actionName(res.Action),
	}
	if res.SessionID != "" {
		payload["session_id"] = res.SessionID
	}
	return payload
}

func actionName(action command.Action) string {
	switch action {
	case command.ActionAttach:
		return "attach"
	case command.ActionQuit:
		return "quit"
	default:
		return "none"
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func isPasswordChangeAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrInvalidTOTP) ||
		errors.Is(err, auth.ErrUserNotFound)
}

func isPasswordChangeValidationError(err error) bool {
	if err == nil {
		return false
	}
	switch strings.TrimSpace(err.Error()) {
	case "current password is required", "totp is required", "new password is required", "confirm password is required", "passwords do not match":
		return true
	default:
		return false
	}
}
