package schema

import "time"

// RenderBlockKind identifies the payload carried by a timeline block.
type RenderBlockKind string

const (
	// BlockUserPrompt is a prompt submitted by the user.
	BlockUserPrompt RenderBlockKind = "user_prompt"
	// BlockAgentText is a completed agent response message.
	BlockAgentText RenderBlockKind = "agent_text"
	// BlockReasoning is agent reasoning content.
	BlockReasoning RenderBlockKind = "reasoning"
	// BlockToolCall is a tool invocation and its approval state.
	BlockToolCall RenderBlockKind = "tool_call"
	// BlockToolResult is the outcome of a tool invocation.
	BlockToolResult RenderBlockKind = "tool_result"
	// BlockCommand is a shell command delimited by prompt marks.
	BlockCommand RenderBlockKind = "command"
	// BlockError is a stream-level agent error.
	BlockError RenderBlockKind = "error"
	// BlockNotice is a system notice (compaction, sub-agent lifecycle, limits).
	BlockNotice RenderBlockKind = "notice"
	// BlockTurnSummary closes a turn with usage and duration.
	BlockTurnSummary RenderBlockKind = "turn_summary"
)

// ToolStatus tracks the approval and execution state of a tool call block.
type ToolStatus string

const (
	// ToolStatusRequested indicates the tool was requested.
	ToolStatusRequested ToolStatus = "requested"
	// ToolStatusAwaitingApproval indicates the tool awaits user approval.
	ToolStatusAwaitingApproval ToolStatus = "awaiting_approval"
	// ToolStatusApproved indicates the user approved the tool.
	ToolStatusApproved ToolStatus = "approved"
	// ToolStatusAutoApproved indicates policy approved the tool.
	ToolStatusAutoApproved ToolStatus = "auto_approved"
	// ToolStatusDenied indicates the user denied the tool.
	ToolStatusDenied ToolStatus = "denied"
	// ToolStatusCompleted indicates the tool ran and returned a result.
	ToolStatusCompleted ToolStatus = "completed"
	// ToolStatusFailed indicates the tool ran and returned an error.
	ToolStatusFailed ToolStatus = "failed"
)

// RenderBlock is one entry in a session timeline.
type RenderBlock struct {
	ID         string          `json:"id"`
	Kind       RenderBlockKind `json:"kind"`
	TurnID     TurnID          `json:"turn_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Tool       *ToolCall       `json:"tool,omitempty"`
	ToolStatus ToolStatus      `json:"tool_status,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
	Command    string          `json:"command,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Directory  string          `json:"directory,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Timestamp  time.Time       `json:"ts"`
}
