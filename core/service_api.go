package core

import (
	"context"

	"github.com/qbit-ai/qbitsync/schema"
)

// Service is the transport-agnostic API for managing shell sessions,
// their agent turns, and the synchronized timeline each session keeps.
type Service interface {
	OpenSession(ctx context.Context, req schema.OpenSessionRequest) (schema.OpenSessionResponse, error)
	CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	AttachView(ctx context.Context, req schema.AttachViewRequest) (schema.AttachViewResponse, error)
	DetachView(ctx context.Context, req schema.DetachViewRequest) (schema.DetachViewResponse, error)
	WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error)
	Resize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error)
	SendPrompt(ctx context.Context, req schema.SendPromptRequest) (schema.SendPromptResponse, error)
	CancelTurn(ctx context.Context, req schema.CancelTurnRequest) (schema.CancelTurnResponse, error)
	RespondTool(ctx context.Context, req schema.RespondToolRequest) (schema.RespondToolResponse, error)
	GetBuffer(ctx context.Context, req schema.GetBufferRequest) (schema.GetBufferResponse, error)
	ScrollBuffer(ctx context.Context, req schema.ScrollBufferRequest) (schema.ScrollBufferResponse, error)
	GetTimeline(ctx context.Context, req schema.GetTimelineRequest) (schema.GetTimelineResponse, error)
	GetUsage(ctx context.Context, req schema.GetUsageRequest) (schema.GetUsageResponse, error)
	GetSeqState(ctx context.Context, req schema.GetSeqStateRequest) (schema.GetSeqStateResponse, error)
	GetHistory(ctx context.Context, req schema.GetHistoryRequest) (schema.GetHistoryResponse, error)
	AppendHistory(ctx context.Context, req schema.AppendHistoryRequest) (schema.AppendHistoryResponse, error)
	ListTranscripts(ctx context.Context, req schema.ListTranscriptsRequest) (schema.ListTranscriptsResponse, error)
	GetTranscript(ctx context.Context, req schema.GetTranscriptRequest) (schema.GetTranscriptResponse, error)
	// Shutdown closes every open session and releases their terminals.
	Shutdown(ctx context.Context) error
}
