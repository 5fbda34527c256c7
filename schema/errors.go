package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidSession indicates an invalid session identifier.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoSessions indicates no sessions exist for the user.
	ErrNoSessions = errors.New("no sessions")
	// ErrSessionEnded indicates the session's shell already exited.
	ErrSessionEnded = errors.New("session ended")
	// ErrSessionBusy indicates a turn is already in flight.
	ErrSessionBusy = errors.New("session is busy")
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrInvalidWorkDir indicates the requested working directory is unusable.
	ErrInvalidWorkDir = errors.New("invalid working directory")
	// ErrHostUnavailable indicates no terminal host is configured.
	ErrHostUnavailable = errors.New("host not configured")
	// ErrAgentUnavailable indicates no agent command is configured.
	ErrAgentUnavailable = errors.New("agent not configured")
	// ErrNoPendingTool indicates no tool approval is pending.
	ErrNoPendingTool = errors.New("no pending tool approval")
	// ErrTranscriptNotFound indicates a transcript could not be found.
	ErrTranscriptNotFound = errors.New("transcript not found")
)
