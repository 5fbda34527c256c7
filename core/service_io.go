package core

import (
	"context"
	"errors"

	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

func (s *service) AttachView(ctx context.Context, req schema.AttachViewRequest) (schema.AttachViewResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.AttachViewResponse{}, err
	}
	if req.ViewID == "" {
		return schema.AttachViewResponse{}, schema.ErrInvalidRequest
	}
	log := logx.WithView(logx.WithUserSession(ctx, userID, req.SessionID), req.ViewID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service view attach failed", "err", schema.ErrSessionNotFound)
		return schema.AttachViewResponse{}, schema.ErrSessionNotFound
	}

	term, prev, err := s.registry.AttachView(req.SessionID, req.ViewID)
	if err != nil {
		log.Warn("service view attach failed", "err", err)
		return schema.AttachViewResponse{}, err
	}
	snap := sess.Snapshot(req.ViewID)
	s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventAttached, Session: snap})
	if prev != "" && prev != req.ViewID {
		log.Debug("service view attach displaced previous owner", "previous", prev)
	}
	log.Info("service view attached")
	return schema.AttachViewResponse{
		Session: snap,
		Buffer:  mapBufferSnapshot(req.SessionID, term.Engine.Snapshot(req.Limit)),
	}, nil
}

func (s *service) DetachView(ctx context.Context, req schema.DetachViewRequest) (schema.DetachViewResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.DetachViewResponse{}, err
	}
	if req.ViewID == "" {
		return schema.DetachViewResponse{}, schema.ErrInvalidRequest
	}
	log := logx.WithView(logx.WithUserSession(ctx, userID, req.SessionID), req.ViewID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service view detach failed", "err", schema.ErrSessionNotFound)
		return schema.DetachViewResponse{}, schema.ErrSessionNotFound
	}

	// Detach from a view that no longer owns the session is a no-op, so
	// a handover followed by the old view's cleanup cannot clobber the
	// new owner.
	released := s.registry.Detach(req.SessionID, req.ViewID)
	snap := sess.Snapshot(s.registry.Attached(req.SessionID))
	if released {
		s.sink.OnSessionEvent(schema.SessionEvent{UserID: userID, Type: schema.SessionEventDetached, Session: snap})
		log.Info("service view detached")
	} else {
		log.Debug("service view detach ignored", "reason", "not owner")
	}
	return schema.DetachViewResponse{Session: snap}, nil
}

func (s *service) WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error) {
	if ctx == nil {
		return schema.WriteInputResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.WriteInputResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)
	if len(req.Data) == 0 {
		return schema.WriteInputResponse{}, nil
	}

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service input write failed", "err", schema.ErrSessionNotFound)
		return schema.WriteInputResponse{}, schema.ErrSessionNotFound
	}
	if !sess.EndedAt.IsZero() {
		log.Debug("service input write rejected", "err", schema.ErrSessionEnded)
		return schema.WriteInputResponse{}, schema.ErrSessionEnded
	}

	// Input goes straight to the shell, never through the event bus, so
	// keystrokes work even while the session's router is still starting.
	if err := sess.host.Write(ctx, req.Data); err != nil {
		log.Warn("service input write failed", "err", err)
		return schema.WriteInputResponse{}, err
	}
	log.Trace("service input written", "bytes", len(req.Data))
	return schema.WriteInputResponse{}, nil
}

func (s *service) Resize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error) {
	if ctx == nil {
		return schema.ResizeResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ResizeResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	state := s.getOrCreateUserStateLocked(userID)
	sess := state.sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service resize failed", "err", schema.ErrSessionNotFound)
		return schema.ResizeResponse{}, schema.ErrSessionNotFound
	}

	size, ok := sess.term.Fit.Fit(req.Size.Rows, req.Size.Cols)
	if !ok {
		log.Trace("service resize skipped", "reason", "unmeasurable geometry")
		return schema.ResizeResponse{}, nil
	}
	sess.term.Engine.Resize(size)
	if sess.EndedAt.IsZero() {
		if err := sess.host.Resize(ctx, size); err != nil {
			log.Warn("service resize failed", "err", err)
			return schema.ResizeResponse{}, err
		}
	}
	log.Trace("service resized", "rows", size.Rows, "cols", size.Cols)
	return schema.ResizeResponse{}, nil
}

func (s *service) GetBuffer(ctx context.Context, req schema.GetBufferRequest) (schema.GetBufferResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetBufferResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	sess := s.getOrCreateUserStateLocked(userID).sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service buffer get failed", "err", schema.ErrSessionNotFound)
		return schema.GetBufferResponse{}, schema.ErrSessionNotFound
	}

	view := sess.term.Engine.Snapshot(req.Limit)
	log.Trace("service buffer snapshot", "lines", view.TotalLines, "offset", view.ScrollOffset, "limit", req.Limit)
	return schema.GetBufferResponse{Buffer: mapBufferSnapshot(req.SessionID, view)}, nil
}

func (s *service) ScrollBuffer(ctx context.Context, req schema.ScrollBufferRequest) (schema.ScrollBufferResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ScrollBufferResponse{}, err
	}
	log := logx.WithUserSession(ctx, userID, req.SessionID)

	s.mu.Lock()
	sess := s.getOrCreateUserStateLocked(userID).sessions[req.SessionID]
	s.mu.Unlock()
	if sess == nil {
		log.Warn("service buffer scroll failed", "err", schema.ErrSessionNotFound)
		return schema.ScrollBufferResponse{}, schema.ErrSessionNotFound
	}

	sess.term.Engine.Scroll(req.Delta, req.Limit)
	view := sess.term.Engine.Snapshot(req.Limit)
	log.Debug("service buffer scrolled", "offset", view.ScrollOffset, "limit", req.Limit)
	return schema.ScrollBufferResponse{Buffer: mapBufferSnapshot(req.SessionID, view)}, nil
}
