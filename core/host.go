package core

import (
	"context"

	"github.com/qbit-ai/qbitsync/schema"
)

// Host starts shell sessions and exposes their terminal event streams.
type Host interface {
	Open(ctx context.Context, req HostOpenRequest) (HostHandle, error)
}

// HostOpenRequest describes a shell session to start.
type HostOpenRequest struct {
	SessionID  schema.SessionID
	WorkingDir string
	Command    []string
	Size       schema.TermSize
}

// HostHandle exposes the event stream and process lifecycle controls
// for one shell session.
type HostHandle interface {
	Events() HostStream
	Write(ctx context.Context, data []byte) error
	Resize(ctx context.Context, size schema.TermSize) error
	// NotifyReady releases events buffered before a consumer was listening.
	// Events observed before the call are queued, not dropped.
	NotifyReady(ctx context.Context) error
	Wait(ctx context.Context) (HostResult, error)
	Close() error
}

// HostStream yields terminal events from a shell session.
type HostStream interface {
	Next(ctx context.Context) (schema.HostEvent, error)
	Close() error
}

// HostResult describes the shell process outcome.
type HostResult struct {
	ExitCode int
}

// AgentRunner starts agent turns and exposes their envelope streams.
type AgentRunner interface {
	StartTurn(ctx context.Context, req TurnRequest) (TurnHandle, error)
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	SessionID  schema.SessionID
	TurnID     schema.TurnID
	Prompt     string
	WorkingDir string
}

// TurnHandle exposes the envelope stream and lifecycle controls for a turn.
type TurnHandle interface {
	Events() TurnStream
	RespondTool(ctx context.Context, toolID string, approve bool) error
	Cancel(ctx context.Context) error
	Wait(ctx context.Context) (TurnResult, error)
	Close() error
}

// TurnStream yields sequenced agent envelopes from a turn.
type TurnStream interface {
	Next(ctx context.Context) (schema.AgentEnvelope, error)
	Close() error
}

// TurnResult describes the agent process outcome.
type TurnResult struct {
	ExitCode int
}
