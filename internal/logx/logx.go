package logx

import (
	"context"

	"github.com/qbit-ai/qbitsync/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithUserSession annotates the logger with user and session identifiers.
func WithUserSession(ctx context.Context, userID schema.UserID, sessionID schema.SessionID) pslog.Logger {
	log := WithUser(ctx, userID)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithView annotates the logger with a view id when available.
func WithView(log pslog.Logger, viewID schema.ViewID) pslog.Logger {
	if viewID != "" {
		log = log.With("view", viewID)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithUserSession stores user/session markers on the context for log de-duplication.
func ContextWithUserSession(ctx context.Context, userID schema.UserID, sessionID schema.SessionID) context.Context {
	return ContextWithSession(ContextWithUser(ctx, userID), sessionID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithUserSessionLogger attaches the logger and user/session markers to the context.
func ContextWithUserSessionLogger(ctx context.Context, log pslog.Logger, userID schema.UserID, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUserSession(ctx, userID, sessionID)
}

// CopyContextFields copies user/session markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	return dst
}
