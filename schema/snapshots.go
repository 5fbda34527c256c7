package schema

import "time"

// SessionSnapshot is a read-only view of session state for transports.
type SessionSnapshot struct {
	ID         SessionID
	Title      string
	WorkingDir string
	Phase      TurnPhase
	TurnID     TurnID
	Attached   ViewID
	AltScreen  bool
	Size       TermSize
	Blocks     int
	StartedAt  time.Time
	EndedAt    time.Time
	ExitCode   *int
}

// Running reports whether the session's shell is still alive.
func (s SessionSnapshot) Running() bool {
	return s.EndedAt.IsZero()
}

// AgentBusy reports whether a turn is in flight.
func (s SessionSnapshot) AgentBusy() bool {
	return s.Phase != PhaseIdle && s.Phase != ""
}

// BufferSnapshot represents the current scrollback view.
type BufferSnapshot struct {
	SessionID    SessionID
	Lines        []string
	TotalLines   int
	ScrollOffset int
	AtBottom     bool
}

// TimelineSnapshot is the ordered block view of a session plus streaming state.
// StreamingBlocks holds in-flight tool calls not yet finalized into Blocks.
type TimelineSnapshot struct {
	SessionID       SessionID
	Blocks          []RenderBlock
	StreamingBlocks []RenderBlock
	StreamingText   string
	Phase           TurnPhase
}

// SessionUsage aggregates token usage for one session.
type SessionUsage struct {
	SessionID  SessionID
	Title      string
	Turns      int
	TokensUsed int
	DurationMs int64
}

// UsageSnapshot aggregates token usage across sessions.
type UsageSnapshot struct {
	Sessions    []SessionUsage
	TotalTurns  int
	TotalTokens int
}

// TranscriptInfo describes one saved session transcript.
type TranscriptInfo struct {
	Name      string
	SessionID SessionID
	Title     string
	Blocks    int
	SavedAt   time.Time
}
