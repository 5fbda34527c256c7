package schema

import (
	"encoding/json"
	"time"
)

// AgentEventType is the top-level type emitted by the agent event stream.
type AgentEventType string

const (
	// AgentEventStarted indicates a turn started.
	AgentEventStarted AgentEventType = "started"
	// AgentEventTextDelta carries a chunk of streaming response text.
	AgentEventTextDelta AgentEventType = "text_delta"
	// AgentEventReasoning carries reasoning content.
	AgentEventReasoning AgentEventType = "reasoning"
	// AgentEventToolRequest indicates the agent requested a tool invocation.
	AgentEventToolRequest AgentEventType = "tool_request"
	// AgentEventToolApprovalRequest indicates a tool needs user approval.
	AgentEventToolApprovalRequest AgentEventType = "tool_approval_request"
	// AgentEventToolAutoApproved indicates a tool was approved by policy.
	AgentEventToolAutoApproved AgentEventType = "tool_auto_approved"
	// AgentEventToolDenied indicates the user denied a tool invocation.
	AgentEventToolDenied AgentEventType = "tool_denied"
	// AgentEventToolResult carries the outcome of a tool invocation.
	AgentEventToolResult AgentEventType = "tool_result"
	// AgentEventCompleted indicates a turn completed successfully.
	AgentEventCompleted AgentEventType = "completed"
	// AgentEventError indicates a stream-level error.
	AgentEventError AgentEventType = "error"
	// AgentEventSubAgentStarted indicates a sub-agent task started.
	AgentEventSubAgentStarted AgentEventType = "sub_agent_started"
	// AgentEventSubAgentCompleted indicates a sub-agent task completed.
	AgentEventSubAgentCompleted AgentEventType = "sub_agent_completed"
	// AgentEventSubAgentFailed indicates a sub-agent task failed.
	AgentEventSubAgentFailed AgentEventType = "sub_agent_failed"
	// AgentEventContextCompacted indicates conversation context was compacted.
	AgentEventContextCompacted AgentEventType = "context_compacted"
	// AgentEventMaxIterations indicates the turn hit its iteration limit.
	AgentEventMaxIterations AgentEventType = "max_iterations_reached"
)

// Known reports whether the event type is one this build understands.
// Routers log and ignore unknown tags instead of failing on them.
func (t AgentEventType) Known() bool {
	switch t {
	case AgentEventStarted, AgentEventTextDelta, AgentEventReasoning,
		AgentEventToolRequest, AgentEventToolApprovalRequest,
		AgentEventToolAutoApproved, AgentEventToolDenied, AgentEventToolResult,
		AgentEventCompleted, AgentEventError,
		AgentEventSubAgentStarted, AgentEventSubAgentCompleted, AgentEventSubAgentFailed,
		AgentEventContextCompacted, AgentEventMaxIterations:
		return true
	}
	return false
}

// AgentEvent is the normalized event shape for agent streams.
type AgentEvent struct {
	Type        AgentEventType  `json:"type"`
	TurnID      TurnID          `json:"turn_id,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	Accumulated string          `json:"accumulated,omitempty"`
	Text        string          `json:"text,omitempty"`
	Tool        *ToolCall       `json:"tool,omitempty"`
	Result      *ToolResult     `json:"result,omitempty"`
	Response    string          `json:"response,omitempty"`
	TokensUsed  int             `json:"tokens_used,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Message     string          `json:"message,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	SubAgentID  string          `json:"sub_agent_id,omitempty"`
	Task        string          `json:"task,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ToolCall describes a tool invocation requested by the agent.
type ToolCall struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Source ToolSource      `json:"source,omitempty"`
}

// ToolResult describes the outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// AgentEnvelope wraps an agent event with its session and ordering metadata.
// Seq is assigned when the event leaves the feed; events recorded before
// sequence assignment existed carry none.
type AgentEnvelope struct {
	SessionID SessionID  `json:"session_id"`
	Seq       *uint64    `json:"seq,omitempty"`
	Timestamp time.Time  `json:"ts"`
	Event     AgentEvent `json:"event"`
}
