package schema

// PromptMarker prefixes user prompt lines.
const PromptMarker = "\x16"

// AgentMarker prefixes agent message lines (markdown-enabled).
const AgentMarker = "\x1c"

// ReasoningMarker prefixes reasoning lines (markdown-enabled).
const ReasoningMarker = "\x1d"

// CommandMarker prefixes shell command lines (no markdown).
const CommandMarker = "\x1a"

// ToolMarker prefixes tool call and tool result lines.
const ToolMarker = "\x1e"

// NoticeMarker prefixes system notice lines.
const NoticeMarker = "\x1f"

// TurnSummaryMarker prefixes turn duration and usage separator lines.
const TurnSummaryMarker = "\x17"

// HelpMarker prefixes markdown-enabled help lines.
const HelpMarker = "\x15"
