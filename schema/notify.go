package schema

// OutputEvent represents terminal output applied to a session's buffer.
type OutputEvent struct {
	UserID    UserID
	SessionID SessionID
	Data      []byte
}

// TimelineEventType describes timeline changes.
type TimelineEventType string

const (
	// TimelineBlockAppended indicates a block was appended to the timeline.
	TimelineBlockAppended TimelineEventType = "block"
	// TimelineToolUpdated indicates an in-flight tool block changed state.
	TimelineToolUpdated TimelineEventType = "tool"
	// TimelineStreaming indicates the streaming text preview changed.
	TimelineStreaming TimelineEventType = "streaming"
	// TimelinePhase indicates the turn phase changed.
	TimelinePhase TimelineEventType = "phase"
)

// TimelineEvent represents a change to a session timeline.
type TimelineEvent struct {
	UserID        UserID
	SessionID     SessionID
	Type          TimelineEventType
	Block         *RenderBlock
	StreamingText string
	Phase         TurnPhase
}

// SessionEventType describes session lifecycle or state changes.
type SessionEventType string

const (
	// SessionEventOpened indicates a session was opened.
	SessionEventOpened SessionEventType = "opened"
	// SessionEventClosed indicates a session was closed.
	SessionEventClosed SessionEventType = "closed"
	// SessionEventAttached indicates a view took ownership of a session.
	SessionEventAttached SessionEventType = "attached"
	// SessionEventDetached indicates a view released a session.
	SessionEventDetached SessionEventType = "detached"
	// SessionEventUpdated indicates session metadata changed.
	SessionEventUpdated SessionEventType = "updated"
	// SessionEventEnded indicates the session's shell exited.
	SessionEventEnded SessionEventType = "ended"
)

// SessionEvent represents a change to a session or the session list.
type SessionEvent struct {
	UserID  UserID
	Type    SessionEventType
	Session SessionSnapshot
}
