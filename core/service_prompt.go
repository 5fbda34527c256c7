package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

func (s *service) SendPrompt(ctx context.Context, req schema.SendPromptRequest) (schema.SendPromptResponse, error) {
	if ctx == nil {
		return schema.SendPromptResponse{}, errors.New("missing context")
	}
	if s.agent == nil {
		return schema.SendPromptResponse{}, schema.ErrAgentUnavailable
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return schema.SendPromptResponse{}, schema.ErrEmptyPrompt
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.SendPromptResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		log.Warn("service prompt rejected", "err", schema.ErrSessionNotFound)
		return schema.SendPromptResponse{}, schema.ErrSessionNotFound
	}
	if !sess.EndedAt.IsZero() {
		s.mu.Unlock()
		log.Warn("service prompt rejected", "err", schema.ErrSessionEnded)
		return schema.SendPromptResponse{}, schema.ErrSessionEnded
	}
	if sess.turn != nil {
		s.mu.Unlock()
		log.Warn("service prompt rejected", "err", schema.ErrSessionBusy)
		return schema.SendPromptResponse{}, schema.ErrSessionBusy
	}
	state.history.Append(prompt)
	workDir := sess.WorkingDir
	s.mu.Unlock()

	turnID := newTurnID()
	log = log.With("turn", turnID, "prompt_len", len(prompt))
	log.Info("service prompt start")

	promptEvent := sess.timeline.AppendPrompt(turnID, prompt, time.Now())
	promptEvent.UserID = userID
	s.sink.OnTimelineEvent(promptEvent)

	turnCtx, turnCancel := detachSessionContext(ctx, log)
	handle, err := s.agent.StartTurn(turnCtx, TurnRequest{
		SessionID:  req.SessionID,
		TurnID:     turnID,
		Prompt:     prompt,
		WorkingDir: workDir,
	})
	if err != nil {
		turnCancel()
		log.Error("service agent start failed", "err", err)
		s.emitNotice(userID, sess, "agent failed to start: "+err.Error())
		return schema.SendPromptResponse{}, err
	}

	s.mu.Lock()
	sess.turn = handle
	sess.turnCancel = turnCancel
	snap := sess.Snapshot(s.registry.Attached(req.SessionID))
	s.mu.Unlock()

	go s.pumpTurn(turnCtx, log, sess, handle, turnCancel, turnID)
	log.Info("service agent started", "workdir", workDir)
	return schema.SendPromptResponse{Session: snap, TurnID: turnID}, nil
}

func (s *service) CancelTurn(ctx context.Context, req schema.CancelTurnRequest) (schema.CancelTurnResponse, error) {
	if ctx == nil {
		return schema.CancelTurnResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.CancelTurnResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		log.Warn("service turn cancel failed", "err", schema.ErrSessionNotFound)
		return schema.CancelTurnResponse{}, schema.ErrSessionNotFound
	}
	turn := sess.turn
	s.mu.Unlock()

	if turn == nil {
		log.Debug("service turn cancel ignored", "reason", "no turn in flight")
		snap := s.snapshotSession(sess)
		return schema.CancelTurnResponse{Session: snap, Cancelled: false}, nil
	}

	log.Info("service turn cancel requested")
	if err := turn.Cancel(ctx); err != nil {
		log.Warn("service turn cancel signal failed", "err", err)
	}
	// Finalize the timeline immediately instead of waiting for the agent
	// to wind down; late stream remnants are dropped by the gate once the
	// pump closes.
	s.coal.Cancel(req.SessionID)
	s.emitTimeline(userID, sess.timeline.AbortTurn("turn cancelled", time.Now()))
	snap := s.snapshotSession(sess)
	return schema.CancelTurnResponse{Session: snap, Cancelled: true}, nil
}

func (s *service) RespondTool(ctx context.Context, req schema.RespondToolRequest) (schema.RespondToolResponse, error) {
	if ctx == nil {
		return schema.RespondToolResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.RespondToolResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	turn := TurnHandle(nil)
	if sess != nil {
		turn = sess.turn
	}
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service tool response failed", "err", schema.ErrSessionNotFound)
		return schema.RespondToolResponse{}, schema.ErrSessionNotFound
	}
	if turn == nil {
		log.Warn("service tool response failed", "err", schema.ErrNoPendingTool)
		return schema.RespondToolResponse{}, schema.ErrNoPendingTool
	}

	pending := sess.timeline.PendingToolID()
	toolID := req.ToolID
	if toolID == "" {
		toolID = pending
	}
	if toolID == "" || toolID != pending {
		log.Warn("service tool response failed", "err", schema.ErrNoPendingTool, "tool", req.ToolID)
		return schema.RespondToolResponse{}, schema.ErrNoPendingTool
	}

	if err := turn.RespondTool(ctx, toolID, req.Approve); err != nil {
		log.Warn("service tool response failed", "err", err, "tool", toolID)
		return schema.RespondToolResponse{}, err
	}
	if req.Approve {
		s.emitTimeline(userID, sess.timeline.ResolveApproval(toolID))
	}
	log.Info("service tool response sent", "tool", toolID, "approved", req.Approve)
	return schema.RespondToolResponse{Session: s.snapshotSession(sess)}, nil
}

// pumpTurn forwards a turn's agent envelopes onto the bus until the
// stream ends, then clears the turn from the session. A turn whose
// process dies without a terminal event is aborted on the timeline so
// the session does not stay busy forever.
func (s *service) pumpTurn(ctx context.Context, log pslog.Logger, sess *session, handle TurnHandle, cancel context.CancelFunc, turnID schema.TurnID) {
	defer cancel()
	log.Info("service agent stream start")
	stream := handle.Events()
	count := 0
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("service agent stream error", "err", err)
			}
			break
		}
		count++
		s.bus.PublishAgent(env)
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("service agent wait failed", "err", err)
		}
	} else if result.ExitCode != 0 {
		log.Warn("service agent exited", "exit_code", result.ExitCode)
	}
	if err := handle.Close(); err != nil {
		log.Warn("service agent close failed", "err", err)
	}

	s.mu.Lock()
	if sess.turn == handle {
		sess.turn = nil
		sess.turnCancel = nil
	}
	s.mu.Unlock()

	// Give the router a moment to drain envelopes already on the bus
	// before declaring the turn dead.
	if sess.timeline.TurnID() == turnID && sess.timeline.Phase() != schema.PhaseIdle {
		stopSleep(50 * time.Millisecond)
		if sess.timeline.TurnID() == turnID && sess.timeline.Phase() != schema.PhaseIdle {
			s.coal.Cancel(sess.ID)
			s.emitTimeline(sess.UserID, sess.timeline.AbortTurn("agent exited unexpectedly", time.Now()))
		}
	}
	log.Info("service agent stream finished", "events", count)
}

func (s *service) emitNotice(userID schema.UserID, sess *session, text string) {
	ev := sess.timeline.AppendNotice(text, time.Now())
	ev.UserID = userID
	s.sink.OnTimelineEvent(ev)
}

func (s *service) emitTimeline(userID schema.UserID, events []schema.TimelineEvent) {
	for _, ev := range events {
		ev.UserID = userID
		s.sink.OnTimelineEvent(ev)
	}
}

func (s *service) snapshotSession(sess *session) schema.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.Snapshot(s.registry.Attached(sess.ID))
}
