package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

const argsPreviewMax = 80

// PlainRenderer formats timeline blocks as marked text lines for
// character-cell surfaces.
type PlainRenderer struct{}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatBlock converts one timeline block into user-facing lines.
func (p *PlainRenderer) FormatBlock(block schema.RenderBlock) []string {
	switch block.Kind {
	case schema.BlockUserPrompt:
		return markLines(schema.PromptMarker, splitLines(block.Text))
	case schema.BlockAgentText:
		return markLines(schema.AgentMarker, splitLines(block.Text))
	case schema.BlockReasoning:
		if block.Text == "" {
			return nil
		}
		return markLines(schema.ReasoningMarker, splitLines(block.Text))
	case schema.BlockToolCall, schema.BlockToolResult:
		return markLines(schema.ToolMarker, formatTool(block))
	case schema.BlockCommand:
		return markLines(schema.CommandMarker, formatCommand(block))
	case schema.BlockError:
		if block.Text != "" {
			return []string{fmt.Sprintf("error: %s", block.Text)}
		}
		return []string{"error: unknown"}
	case schema.BlockNotice:
		return markLines(schema.NoticeMarker, splitLines(block.Text))
	case schema.BlockTurnSummary:
		return markLines(schema.TurnSummaryMarker, []string{formatTurnSummary(block)})
	default:
		return nil
	}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}

func formatTool(block schema.RenderBlock) []string {
	head := "tool"
	if block.Tool != nil {
		if block.Tool.Name != "" {
			head = block.Tool.Name
		}
		if preview := argsPreview(block.Tool.Args); preview != "" {
			head = fmt.Sprintf("%s %s", head, preview)
		}
	}
	if label := statusLabel(block.ToolStatus); label != "" {
		head = fmt.Sprintf("%s [%s]", head, label)
	}
	lines := []string{head}
	if block.Result != nil && block.Result.Output != "" {
		lines = append(lines, strings.Split(strings.TrimRight(block.Result.Output, "\n"), "\n")...)
	}
	return lines
}

// statusLabel names only the states worth a glance; the usual
// requested/auto-approved/completed flow stays silent.
func statusLabel(status schema.ToolStatus) string {
	switch status {
	case schema.ToolStatusAwaitingApproval:
		return "awaiting approval"
	case schema.ToolStatusApproved:
		return "approved"
	case schema.ToolStatusDenied:
		return "denied"
	case schema.ToolStatusFailed:
		return "failed"
	default:
		return ""
	}
}

func argsPreview(args []byte) string {
	if len(args) == 0 {
		return ""
	}
	preview := strings.Join(strings.Fields(string(args)), " ")
	runes := []rune(preview)
	if len(runes) > argsPreviewMax {
		preview = string(runes[:argsPreviewMax]) + "..."
	}
	return preview
}

func formatCommand(block schema.RenderBlock) []string {
	var lines []string
	if block.Command != "" {
		lines = append(lines, fmt.Sprintf("$ %s", block.Command))
	}
	if block.ExitCode != nil && *block.ExitCode != 0 {
		lines = append(lines, fmt.Sprintf("exit code: %d", *block.ExitCode))
	}
	return lines
}

func formatTurnSummary(block schema.RenderBlock) string {
	dur := time.Duration(block.DurationMs) * time.Millisecond
	line := fmt.Sprintf("worked for %s", dur.Round(100*time.Millisecond))
	if block.TokensUsed > 0 {
		line = fmt.Sprintf("%s, %d tokens", line, block.TokensUsed)
	}
	return line
}
