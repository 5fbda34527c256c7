package schema

// UserID identifies a user in the system.
type UserID string

// SessionID identifies a terminal session.
type SessionID string

// TurnID identifies one agent turn within a session.
type TurnID string

// ViewID identifies an attached terminal view (ssh screen, web pane).
type ViewID string

// ThemeName identifies a UI theme.
type ThemeName string

// ToolSource identifies which agent issued a tool call.
type ToolSource string

const (
	// ToolSourceMain marks tool calls issued by the main agent.
	ToolSourceMain ToolSource = "main"
	// ToolSourceSubAgent marks tool calls issued by a delegated sub-agent.
	ToolSourceSubAgent ToolSource = "sub_agent"
)

// TurnPhase describes what the agent is doing for a session.
type TurnPhase string

const (
	// PhaseIdle indicates no turn is in flight.
	PhaseIdle TurnPhase = "idle"
	// PhaseThinking indicates a turn started but no response text has streamed yet.
	PhaseThinking TurnPhase = "thinking"
	// PhaseResponding indicates response text is streaming.
	PhaseResponding TurnPhase = "responding"
)

// TermSize is a terminal geometry in character cells.
type TermSize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}
