package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/internal/eventbus"
	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/internal/usage"
	"github.com/qbit-ai/qbitsync/schema"
)

// service implements the core service behavior.
type service struct {
	cfg         schema.ServiceConfig
	host        Host
	agent       AgentRunner
	sink        EventSink
	transcripts TranscriptStore
	logger      pslog.Logger

	bus      *eventbus.Bus
	gate     *seqGate
	coal     *coalescer
	registry *termRegistry
	usage    *usage.Tracker

	mu    sync.Mutex
	users map[schema.UserID]*userState
	down  bool
}

type userState struct {
	sessions map[schema.SessionID]*session
	order    []schema.SessionID
	history  *historyBuffer
	theme    schema.ThemeName
}

var stopSleep = time.Sleep

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	s := &service{
		cfg:         cfg,
		host:        deps.Host,
		agent:       deps.Agent,
		sink:        sink,
		transcripts: deps.Transcripts,
		logger:      logger,
		bus:         eventbus.New(logger),
		gate:        newSeqGate(),
		registry:    newTermRegistry(),
		usage:       usage.NewTracker(),
		users:       make(map[schema.UserID]*userState),
	}
	s.coal = newCoalescer(cfg.FrameInterval, s.commitStreamText)
	return s, nil
}

func (s *service) OpenSession(ctx context.Context, req schema.OpenSessionRequest) (schema.OpenSessionResponse, error) {
	if ctx == nil {
		return schema.OpenSessionResponse{}, errors.New("missing context")
	}
	if s.host == nil {
		return schema.OpenSessionResponse{}, schema.ErrHostUnavailable
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.OpenSessionResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	workDir, err := ResolveWorkingDir(s.cfg.WorkDir, req.WorkingDir)
	if err != nil {
		log.Warn("service session open failed", "err", err, "workdir", req.WorkingDir)
		return schema.OpenSessionResponse{}, err
	}
	title := schema.NormalizeSessionTitle(req.Title, s.cfg.SessionTitleMax)
	if title == "" {
		title = filepath.Base(workDir)
	}

	sessionID := newSessionID()
	log = logx.WithSession(log, sessionID)

	eng := newEngine(s.cfg.ScrollbackMax)
	term, _ := s.registry.Register(sessionID, eng, newFitHelper())

	hostCtx, hostCancel := detachSessionContext(ctx, logx.WithUserSession(ctx, userID, sessionID))
	handle, err := s.host.Open(hostCtx, HostOpenRequest{
		SessionID:  sessionID,
		WorkingDir: workDir,
		Command:    s.cfg.Shell,
		Size:       term.Fit.Last(),
	})
	if err != nil {
		hostCancel()
		s.registry.Dispose(sessionID)
		log.Error("service session open failed", "err", err)
		return schema.OpenSessionResponse{}, err
	}

	sess := &session{
		ID:         sessionID,
		UserID:     userID,
		Title:      title,
		WorkingDir: workDir,
		StartedAt:  time.Now(),
		host:       handle,
		hostCancel: hostCancel,
		term:       term,
		timeline:   newTimeline(sessionID),
	}
	sess.router = newRouter(log, s.bus, s.gate, s.coal, &routerContext{
		userID:   userID,
		session:  sessionID,
		host:     handle,
		engine:   eng,
		timeline: sess.timeline,
		sink:     s.sink,
		usage:    s.usage,
		onDirectory: func(dir string) {
			s.sessionDirectoryChanged(userID, sessionID, dir)
		},
		onAltScreen: func(bool) {
			s.sessionUpdated(userID, sessionID)
		},
		onExit: func(code *int) {
			s.sessionEnded(userID, sessionID, code)
		},
	})

	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		hostCancel()
		_ = handle.Close()
		s.registry.Dispose(sessionID)
		return schema.OpenSessionResponse{}, errors.New("service is shutting down")
	}
	state := s.getOrCreateUserStateLocked(userID)
	state.sessions[sessionID] = sess
	state.order = append(state.order, sessionID)
	s.usage.Observe(sessionID, title)
	snap := sess.Snapshot("")
	s.mu.Unlock()

	sess.router.Start(hostCtx)
	go s.pumpHost(hostCtx, log, sess)

	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventOpened, Session: snap})
	log.Info("service session opened", "title", title, "workdir", workDir)
	return schema.OpenSessionResponse{Session: snap}, nil
}

func (s *service) CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	if ctx == nil {
		return schema.CloseSessionResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.CloseSessionResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		log.Warn("service session close failed", "err", schema.ErrSessionNotFound)
		return schema.CloseSessionResponse{}, schema.ErrSessionNotFound
	}
	delete(state.sessions, req.SessionID)
	state.order = removeSessionID(state.order, req.SessionID)
	snap := sess.Snapshot("")
	s.mu.Unlock()

	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventClosed, Session: snap})
	go s.releaseSession(log, sess)
	log.Info("service session closed")
	return schema.CloseSessionResponse{Session: snap}, nil
}

// releaseSession tears down a closed session's resources in dependency
// order: the turn first, then the router (which flushes output), then
// the shell itself. The terminal record is disposed last so transports
// reading the scrollback during shutdown see it intact.
func (s *service) releaseSession(log pslog.Logger, sess *session) {
	s.mu.Lock()
	turn := sess.turn
	turnCancel := sess.turnCancel
	sess.turn = nil
	sess.turnCancel = nil
	s.mu.Unlock()

	if turn != nil {
		if err := turn.Cancel(context.Background()); err != nil {
			log.Warn("service turn cancel failed", "err", err)
		}
		if turnCancel != nil {
			turnCancel()
		}
	}
	sess.router.Teardown()
	if err := sess.host.Close(); err != nil {
		log.Warn("service host close failed", "err", err)
	}
	if sess.hostCancel != nil {
		sess.hostCancel()
	}
	s.saveTranscript(log, sess)
	s.registry.Dispose(sess.ID)
	log.Debug("service session released")
}

func (s *service) saveTranscript(log pslog.Logger, sess *session) {
	if s.transcripts == nil || sess.timeline.BlockCount() == 0 {
		return
	}
	info := schema.TranscriptInfo{
		SessionID: sess.ID,
		Title:     sess.Title,
		Blocks:    sess.timeline.BlockCount(),
		SavedAt:   time.Now(),
	}
	if err := s.transcripts.Save(context.Background(), info, sess.timeline.Snapshot(0)); err != nil {
		log.Warn("service transcript save failed", "err", err)
		return
	}
	log.Debug("service transcript saved", "blocks", info.Blocks)
}

func (s *service) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ListSessionsResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getOrCreateUserStateLocked(userID)
	sessions := make([]schema.SessionSnapshot, 0, len(state.order))
	for _, id := range state.order {
		sess := state.sessions[id]
		if sess == nil {
			continue
		}
		sessions = append(sessions, sess.Snapshot(s.registry.Attached(id)))
	}
	log.Trace("service sessions listed", "count", len(sessions))
	return schema.ListSessionsResponse{Sessions: sessions, Theme: state.theme}, nil
}

// Shutdown closes every open session. Safe to call once; later service
// calls fail with ErrSessionNotFound or ErrSessionEnded.
func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil
	}
	s.down = true
	var all []*session
	for _, state := range s.users {
		for _, sess := range state.sessions {
			all = append(all, sess)
		}
		state.sessions = make(map[schema.SessionID]*session)
		state.order = nil
	}
	s.mu.Unlock()

	log := pslog.Ctx(ctx)
	log.Info("service shutdown start", "sessions", len(all))
	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			s.releaseSession(logx.WithUserSession(ctx, sess.UserID, sess.ID), sess)
		}(sess)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("service shutdown interrupted", "err", ctx.Err())
		return ctx.Err()
	}
	s.coal.CancelAll()
	log.Info("service shutdown complete")
	return nil
}

// pumpHost forwards a session's terminal events onto the bus until the
// stream ends.
func (s *service) pumpHost(ctx context.Context, log pslog.Logger, sess *session) {
	stream := sess.host.Events()
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("service host stream error", "err", err)
			}
			return
		}
		s.bus.PublishHost(ev)
	}
}

// commitStreamText is the coalescer's commit callback. It lands batched
// streaming text on the owning session's timeline.
func (s *service) commitStreamText(sessionID schema.SessionID, text string) {
	s.mu.Lock()
	sess := s.lookupSessionLocked(sessionID)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	for _, ev := range sess.timeline.SetStreamText(text) {
		ev.UserID = sess.UserID
		s.sink.OnTimelineEvent(ev)
	}
}

func (s *service) sessionDirectoryChanged(userID schema.UserID, sessionID schema.SessionID, dir string) {
	s.mu.Lock()
	state := s.users[userID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	sess := state.sessions[sessionID]
	if sess == nil || sess.WorkingDir == dir {
		s.mu.Unlock()
		return
	}
	sess.WorkingDir = dir
	snap := sess.Snapshot(s.registry.Attached(sessionID))
	s.mu.Unlock()
	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventUpdated, Session: snap})
}

func (s *service) sessionUpdated(userID schema.UserID, sessionID schema.SessionID) {
	s.mu.Lock()
	state := s.users[userID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	sess := state.sessions[sessionID]
	if sess == nil {
		s.mu.Unlock()
		return
	}
	snap := sess.Snapshot(s.registry.Attached(sessionID))
	s.mu.Unlock()
	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventUpdated, Session: snap})
}

func (s *service) sessionEnded(userID schema.UserID, sessionID schema.SessionID, code *int) {
	s.mu.Lock()
	state := s.users[userID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	sess := state.sessions[sessionID]
	if sess == nil || !sess.EndedAt.IsZero() {
		s.mu.Unlock()
		return
	}
	sess.EndedAt = time.Now()
	sess.ExitCode = code
	turnCancel := sess.turnCancel
	snap := sess.Snapshot(s.registry.Attached(sessionID))
	s.mu.Unlock()

	// A dead shell cannot host a turn; interrupt any agent still running.
	if turnCancel != nil {
		turnCancel()
	}
	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventEnded, Session: snap})
	log := s.logger.With("user", userID, "session", sessionID)
	if code != nil {
		log = log.With("exit_code", *code)
	}
	log.Info("service session ended")
}

func (s *service) lookupSessionLocked(sessionID schema.SessionID) *session {
	for _, state := range s.users {
		if sess := state.sessions[sessionID]; sess != nil {
			return sess
		}
	}
	return nil
}

func (s *service) getOrCreateUserStateLocked(userID schema.UserID) *userState {
	entry := s.users[userID]
	if entry == nil {
		entry = &userState{
			sessions: make(map[schema.SessionID]*session),
			history:  newHistory(s.cfg.HistoryMax),
			theme:    s.cfg.DefaultTheme,
		}
		s.users[userID] = entry
	}
	return entry
}

// detachSessionContext builds a long-lived context for a session's
// background work, carrying over the request's logger fields only.
func detachSessionContext(ctx context.Context, log pslog.Logger) (context.Context, context.CancelFunc) {
	base := context.Background()
	if ctx != nil && log != nil {
		base = logx.CopyContextFields(pslog.ContextWithLogger(base, log), ctx)
	}
	return context.WithCancel(base)
}

func normalizeUserID(userID schema.UserID) (schema.UserID, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", schema.ErrInvalidUser
	}
	return userID, nil
}

func removeSessionID(order []schema.SessionID, id schema.SessionID) []schema.SessionID {
	for i, current := range order {
		if current == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func mapBufferSnapshot(sessionID schema.SessionID, view bufferView) schema.BufferSnapshot {
	return schema.BufferSnapshot{
		SessionID:    sessionID,
		Lines:        view.Lines,
		TotalLines:   view.TotalLines,
		ScrollOffset: view.ScrollOffset,
		AtBottom:     view.AtBottom,
	}
}
