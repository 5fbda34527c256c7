package core

import (
	"context"
	"errors"
	"strings"

	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

func (s *service) GetTimeline(ctx context.Context, req schema.GetTimelineRequest) (schema.GetTimelineResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetTimelineResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	sess := s.getOrCreateUserStateLocked(userID).sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service timeline get failed", "err", schema.ErrSessionNotFound)
		return schema.GetTimelineResponse{}, schema.ErrSessionNotFound
	}

	snap := sess.timeline.Snapshot(req.Limit)
	log.Trace("service timeline snapshot", "blocks", len(snap.Blocks), "limit", req.Limit)
	return schema.GetTimelineResponse{Timeline: snap}, nil
}

func (s *service) GetUsage(ctx context.Context, req schema.GetUsageRequest) (schema.GetUsageResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetUsageResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	snap := s.usage.Snapshot()
	log.Debug("service usage fetched", "sessions", len(snap.Sessions), "turns", snap.TotalTurns)
	return schema.GetUsageResponse{Usage: snap}, nil
}

func (s *service) GetSeqState(ctx context.Context, req schema.GetSeqStateRequest) (schema.GetSeqStateResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetSeqStateResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)
	resp := schema.GetSeqStateResponse{Sessions: s.gate.Count()}
	if req.SessionID == "" {
		log.Trace("service seq state fetched", "sessions", resp.Sessions)
		return resp, nil
	}

	s.mu.Lock()
	sess := s.getOrCreateUserStateLocked(userID).sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service seq state failed", "err", schema.ErrSessionNotFound)
		return schema.GetSeqStateResponse{}, schema.ErrSessionNotFound
	}
	resp.SessionID = req.SessionID
	resp.LastSeq, resp.Tracked = s.gate.Last(req.SessionID)
	log.Trace("service seq state fetched", "last_seq", resp.LastSeq, "tracked", resp.Tracked, "sessions", resp.Sessions)
	return resp, nil
}

func (s *service) GetHistory(ctx context.Context, req schema.GetHistoryRequest) (schema.GetHistoryResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetHistoryResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getOrCreateUserStateLocked(userID)
	entries := state.history.Entries()
	log.Debug("service history fetched", "entries", len(entries))
	return schema.GetHistoryResponse{Entries: entries}, nil
}

func (s *service) AppendHistory(ctx context.Context, req schema.AppendHistoryRequest) (schema.AppendHistoryResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.AppendHistoryResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	changed := state.history.Append(req.Entry)
	entries := state.history.Entries()
	s.mu.Unlock()
	log.Debug("service history appended", "changed", changed, "entries", len(entries))
	return schema.AppendHistoryResponse{Entries: entries}, nil
}

func (s *service) ListTranscripts(ctx context.Context, req schema.ListTranscriptsRequest) (schema.ListTranscriptsResponse, error) {
	if ctx == nil {
		return schema.ListTranscriptsResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ListTranscriptsResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	if s.transcripts == nil {
		return schema.ListTranscriptsResponse{}, nil
	}
	infos, err := s.transcripts.List(ctx)
	if err != nil {
		log.Warn("service transcripts list failed", "err", err)
		return schema.ListTranscriptsResponse{}, err
	}
	log.Debug("service transcripts listed", "count", len(infos))
	return schema.ListTranscriptsResponse{Transcripts: infos}, nil
}

func (s *service) GetTranscript(ctx context.Context, req schema.GetTranscriptRequest) (schema.GetTranscriptResponse, error) {
	if ctx == nil {
		return schema.GetTranscriptResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetTranscriptResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	if strings.TrimSpace(req.Name) == "" {
		return schema.GetTranscriptResponse{}, schema.ErrInvalidRequest
	}
	if s.transcripts == nil {
		return schema.GetTranscriptResponse{}, schema.ErrTranscriptNotFound
	}
	info, timeline, err := s.transcripts.Load(ctx, req.Name)
	if err != nil {
		log.Warn("service transcript load failed", "err", err, "name", req.Name)
		return schema.GetTranscriptResponse{}, err
	}
	log.Debug("service transcript loaded", "name", req.Name, "blocks", info.Blocks)
	return schema.GetTranscriptResponse{Info: info, Timeline: timeline}, nil
}
