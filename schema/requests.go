package schema

// Session lifecycle.

// OpenSessionRequest describes a request to open a terminal session.
type OpenSessionRequest struct {
	UserID     UserID
	Title      string
	WorkingDir string
}

// OpenSessionResponse reports the opened session.
type OpenSessionResponse struct {
	Session SessionSnapshot
}

// CloseSessionRequest describes a request to close a session.
type CloseSessionRequest struct {
	UserID    UserID
	SessionID SessionID
}

// CloseSessionResponse reports the closed session snapshot.
type CloseSessionResponse struct {
	Session SessionSnapshot
}

// ListSessionsRequest describes a request to list sessions.
type ListSessionsRequest struct {
	UserID UserID
}

// ListSessionsResponse reports sessions and the configured theme.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot
	Theme    ThemeName
}

// View attachment.

// AttachViewRequest describes a request to attach a view to a session.
// An already-attached view loses ownership to the new one. Limit bounds
// the buffer lines returned with the attachment.
type AttachViewRequest struct {
	UserID    UserID
	SessionID SessionID
	ViewID    ViewID
	Limit     int
}

// AttachViewResponse reports the session and its current buffer.
type AttachViewResponse struct {
	Session SessionSnapshot
	Buffer  BufferSnapshot
}

// DetachViewRequest describes a request to detach a view from a session.
type DetachViewRequest struct {
	UserID    UserID
	SessionID SessionID
	ViewID    ViewID
}

// DetachViewResponse reports the session snapshot after detaching.
type DetachViewResponse struct {
	Session SessionSnapshot
}

// Terminal I/O.

// WriteInputRequest describes keyboard input destined for the shell.
type WriteInputRequest struct {
	UserID    UserID
	SessionID SessionID
	Data      []byte
}

// WriteInputResponse reports completion of the write.
type WriteInputResponse struct{}

// ResizeRequest describes a terminal geometry change.
type ResizeRequest struct {
	UserID    UserID
	SessionID SessionID
	Size      TermSize
}

// ResizeResponse reports completion of the resize.
type ResizeResponse struct{}

// Prompt and turns.

// SendPromptRequest describes a prompt submission to the agent.
type SendPromptRequest struct {
	UserID    UserID
	SessionID SessionID
	Prompt    string
}

// SendPromptResponse reports prompt acceptance and the started turn.
type SendPromptResponse struct {
	Session SessionSnapshot
	TurnID  TurnID
}

// CancelTurnRequest describes a request to cancel the in-flight turn.
type CancelTurnRequest struct {
	UserID    UserID
	SessionID SessionID
}

// CancelTurnResponse reports the session snapshot after cancelling.
type CancelTurnResponse struct {
	Session   SessionSnapshot
	Cancelled bool
}

// RespondToolRequest describes a user decision on a pending tool approval.
type RespondToolRequest struct {
	UserID    UserID
	SessionID SessionID
	ToolID    string
	Approve   bool
}

// RespondToolResponse reports the session snapshot after responding.
type RespondToolResponse struct {
	Session SessionSnapshot
}

// Buffer view and scrolling.

// GetBufferRequest describes a request to fetch scrollback lines.
type GetBufferRequest struct {
	UserID    UserID
	SessionID SessionID
	Limit     int
}

// GetBufferResponse reports the buffer snapshot.
type GetBufferResponse struct {
	Buffer BufferSnapshot
}

// ScrollBufferRequest describes a request to scroll the buffer view.
type ScrollBufferRequest struct {
	UserID    UserID
	SessionID SessionID
	Delta     int
	Limit     int
}

// ScrollBufferResponse reports the buffer snapshot after scrolling.
type ScrollBufferResponse struct {
	Buffer BufferSnapshot
}

// Timeline.

// GetTimelineRequest describes a request to fetch a session timeline.
type GetTimelineRequest struct {
	UserID    UserID
	SessionID SessionID
	Limit     int
}

// GetTimelineResponse reports the timeline snapshot.
type GetTimelineResponse struct {
	Timeline TimelineSnapshot
}

// Usage.

// GetUsageRequest describes a request to fetch token usage.
type GetUsageRequest struct {
	UserID UserID
}

// GetUsageResponse reports aggregated usage.
type GetUsageResponse struct {
	Usage UsageSnapshot
}

// Ordering.

// GetSeqStateRequest describes a request for sequence-gate state. A zero
// SessionID reports only the tracked-session count.
type GetSeqStateRequest struct {
	UserID    UserID
	SessionID SessionID
}

// GetSeqStateResponse reports ordering state. Tracked is false until the
// session has recorded its first sequenced event.
type GetSeqStateResponse struct {
	SessionID SessionID
	LastSeq   uint64
	Tracked   bool
	Sessions  int
}

// History.

// GetHistoryRequest describes a request to fetch prompt history.
type GetHistoryRequest struct {
	UserID    UserID
	SessionID SessionID
}

// GetHistoryResponse reports the prompt history.
type GetHistoryResponse struct {
	Entries []string
}

// AppendHistoryRequest describes a request to append a history entry.
type AppendHistoryRequest struct {
	UserID    UserID
	SessionID SessionID
	Entry     string
}

// AppendHistoryResponse reports the updated history.
type AppendHistoryResponse struct {
	Entries []string
}

// Transcripts.

// ListTranscriptsRequest describes a request to list saved transcripts.
type ListTranscriptsRequest struct {
	UserID UserID
}

// ListTranscriptsResponse reports available transcripts.
type ListTranscriptsResponse struct {
	Transcripts []TranscriptInfo
}

// GetTranscriptRequest describes a request to load a saved transcript.
type GetTranscriptRequest struct {
	UserID UserID
	Name   string
}

// GetTranscriptResponse reports the decrypted transcript timeline.
type GetTranscriptResponse struct {
	Info     TranscriptInfo
	Timeline TimelineSnapshot
}
