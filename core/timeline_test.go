package core

import (
	"testing"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

func kinds(blocks []schema.RenderBlock) []schema.RenderBlockKind {
	out := make([]schema.RenderBlockKind, len(blocks))
	for i, b := range blocks {
		out[i] = b.Kind
	}
	return out
}

func TestTimelineTurnLifecycle(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()

	tl.AppendPrompt("turn-1", "list the files", now)

	events := tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "turn-1"}, now)
	if len(events) != 1 || events[0].Type != schema.TimelinePhase || events[0].Phase != schema.PhaseThinking {
		t.Fatalf("started events = %+v", events)
	}
	if tl.Phase() != schema.PhaseThinking {
		t.Fatalf("phase = %q", tl.Phase())
	}

	events = tl.SetStreamText("Here are")
	if events[0].Type != schema.TimelineStreaming || events[0].StreamingText != "Here are" {
		t.Fatalf("stream events = %+v", events)
	}
	if len(events) != 2 || events[1].Phase != schema.PhaseResponding {
		t.Fatalf("expected phase flip to responding, got %+v", events)
	}
	// Later commits do not flip the phase again.
	if events = tl.SetStreamText("Here are the files"); len(events) != 1 {
		t.Fatalf("second stream commit events = %+v", events)
	}

	events = tl.ApplyAgent(schema.AgentEvent{
		Type:       schema.AgentEventCompleted,
		TurnID:     "turn-1",
		Response:   "Here are the files.",
		TokensUsed: 420,
		DurationMs: 1500,
	}, now.Add(2*time.Second))

	snap := tl.Snapshot(0)
	want := []schema.RenderBlockKind{schema.BlockUserPrompt, schema.BlockAgentText, schema.BlockTurnSummary}
	got := kinds(snap.Blocks)
	if len(got) != len(want) {
		t.Fatalf("blocks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d = %q, want %q", i, got[i], want[i])
		}
	}
	if snap.Blocks[1].Text != "Here are the files." {
		t.Fatalf("agent text = %q", snap.Blocks[1].Text)
	}
	if snap.Blocks[2].TokensUsed != 420 || snap.Blocks[2].DurationMs != 1500 {
		t.Fatalf("summary = %+v", snap.Blocks[2])
	}
	if snap.Phase != schema.PhaseIdle || snap.StreamingText != "" {
		t.Fatalf("final snapshot phase=%q stream=%q", snap.Phase, snap.StreamingText)
	}
	last := events[len(events)-1]
	if last.Type != schema.TimelinePhase || last.Phase != schema.PhaseIdle {
		t.Fatalf("last completed event = %+v", last)
	}
}

func TestTimelineCompletedFallsBackToStreamedText(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "t"}, now)
	tl.SetStreamText("partial answer")
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventCompleted, TurnID: "t"}, now)

	snap := tl.Snapshot(0)
	if len(snap.Blocks) != 2 {
		t.Fatalf("blocks = %v", kinds(snap.Blocks))
	}
	if snap.Blocks[0].Kind != schema.BlockAgentText || snap.Blocks[0].Text != "partial answer" {
		t.Fatalf("agent block = %+v", snap.Blocks[0])
	}
}

func TestTimelineToolApprovalFlow(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tool := &schema.ToolCall{ID: "tool-1", Name: "bash", Source: schema.ToolSourceMain}

	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "t"}, now)
	events := tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolRequest, Tool: tool}, now)
	if len(events) != 1 || events[0].Type != schema.TimelineToolUpdated {
		t.Fatalf("tool request events = %+v", events)
	}
	if events[0].Block.ToolStatus != schema.ToolStatusRequested {
		t.Fatalf("status = %q", events[0].Block.ToolStatus)
	}

	events = tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolApprovalRequest, Tool: tool}, now)
	if events[0].Block.ToolStatus != schema.ToolStatusAwaitingApproval {
		t.Fatalf("status = %q", events[0].Block.ToolStatus)
	}
	if tl.PendingToolID() != "tool-1" {
		t.Fatalf("pending tool = %q", tl.PendingToolID())
	}

	snap := tl.Snapshot(0)
	if len(snap.StreamingBlocks) != 1 || len(snap.Blocks) != 0 {
		t.Fatalf("open=%d finalized=%d", len(snap.StreamingBlocks), len(snap.Blocks))
	}

	events = tl.ApplyAgent(schema.AgentEvent{
		Type:   schema.AgentEventToolResult,
		Tool:   tool,
		Result: &schema.ToolResult{ID: "tool-1", Output: "ok"},
	}, now)
	if len(events) != 1 || events[0].Type != schema.TimelineBlockAppended {
		t.Fatalf("tool result events = %+v", events)
	}
	if events[0].Block.ToolStatus != schema.ToolStatusCompleted {
		t.Fatalf("status = %q", events[0].Block.ToolStatus)
	}
	if tl.PendingToolID() != "" {
		t.Fatalf("pending tool not cleared")
	}
	snap = tl.Snapshot(0)
	if len(snap.StreamingBlocks) != 0 || len(snap.Blocks) != 1 {
		t.Fatalf("open=%d finalized=%d after result", len(snap.StreamingBlocks), len(snap.Blocks))
	}
}

func TestTimelineApprovalWithoutRequestOpensBlock(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tool := &schema.ToolCall{ID: "tool-5", Name: "run_shell"}
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "t"}, now)
	events := tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolApprovalRequest, Tool: tool}, now)
	if len(events) != 1 || events[0].Type != schema.TimelineToolUpdated {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Block.ToolStatus != schema.ToolStatusAwaitingApproval {
		t.Fatalf("status = %q", events[0].Block.ToolStatus)
	}
	if tl.PendingToolID() != "tool-5" {
		t.Fatalf("pending tool = %q", tl.PendingToolID())
	}
	events = tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolDenied, Tool: tool}, now)
	if len(events) != 1 || events[0].Block.ToolStatus != schema.ToolStatusDenied {
		t.Fatalf("denial events = %+v", events)
	}
}

func TestTimelineToolDenied(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tool := &schema.ToolCall{ID: "tool-9", Name: "rm"}
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolRequest, Tool: tool}, now)
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolApprovalRequest, Tool: tool}, now)
	events := tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolDenied, Tool: tool}, now)
	if events[0].Block.ToolStatus != schema.ToolStatusDenied {
		t.Fatalf("status = %q", events[0].Block.ToolStatus)
	}
	if tl.PendingToolID() != "" {
		t.Fatalf("pending tool survived denial")
	}
}

func TestTimelineResultForUnseenToolStillLands(t *testing.T) {
	tl := newTimeline("s1")
	events := tl.ApplyAgent(schema.AgentEvent{
		Type:   schema.AgentEventToolResult,
		Result: &schema.ToolResult{ID: "ghost", Name: "grep", Output: "x", IsError: true},
	}, time.Now())
	if len(events) != 1 || events[0].Block.ToolStatus != schema.ToolStatusFailed {
		t.Fatalf("events = %+v", events)
	}
	if tl.BlockCount() != 1 {
		t.Fatalf("block count = %d", tl.BlockCount())
	}
}

func TestTimelineErrorKeepsPartialText(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "t"}, now)
	tl.SetStreamText("half an answ")
	tl.ApplyAgent(schema.AgentEvent{
		Type:      schema.AgentEventError,
		Message:   "connection reset",
		ErrorType: "transport",
	}, now)

	snap := tl.Snapshot(0)
	got := kinds(snap.Blocks)
	if len(got) != 2 || got[0] != schema.BlockAgentText || got[1] != schema.BlockError {
		t.Fatalf("blocks = %v", got)
	}
	if snap.Blocks[1].Text != "connection reset (transport)" {
		t.Fatalf("error text = %q", snap.Blocks[1].Text)
	}
	if snap.Phase != schema.PhaseIdle {
		t.Fatalf("phase = %q", snap.Phase)
	}
}

func TestTimelineAbortFinalizesOpenState(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventStarted, TurnID: "t"}, now)
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventToolRequest, Tool: &schema.ToolCall{ID: "x", Name: "bash"}}, now)
	tl.SetStreamText("some text")

	events := tl.AbortTurn("turn cancelled", now)
	if len(events) == 0 {
		t.Fatalf("abort emitted nothing")
	}
	snap := tl.Snapshot(0)
	if len(snap.StreamingBlocks) != 0 {
		t.Fatalf("open blocks survived abort")
	}
	if snap.Phase != schema.PhaseIdle || snap.StreamingText != "" {
		t.Fatalf("abort left phase=%q stream=%q", snap.Phase, snap.StreamingText)
	}
	// Idle abort is a no-op.
	if events := tl.AbortTurn("again", now); events != nil {
		t.Fatalf("second abort emitted %+v", events)
	}
}

func TestTimelineNotices(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventSubAgentStarted, SubAgentID: "a1", Task: "scan"}, now)
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventContextCompacted}, now)
	tl.ApplyAgent(schema.AgentEvent{Type: schema.AgentEventMaxIterations}, now)

	snap := tl.Snapshot(0)
	for i, b := range snap.Blocks {
		if b.Kind != schema.BlockNotice {
			t.Fatalf("block %d kind = %q", i, b.Kind)
		}
	}
	if len(snap.Blocks) != 3 {
		t.Fatalf("blocks = %d", len(snap.Blocks))
	}
}

func TestTimelineUnknownEventIgnored(t *testing.T) {
	tl := newTimeline("s1")
	if events := tl.ApplyAgent(schema.AgentEvent{Type: "somenew_thing"}, time.Now()); events != nil {
		t.Fatalf("unknown event produced %+v", events)
	}
	if tl.BlockCount() != 0 {
		t.Fatalf("unknown event mutated timeline")
	}
}

func TestTimelineSnapshotLimit(t *testing.T) {
	tl := newTimeline("s1")
	now := time.Now()
	for i := 0; i < 10; i++ {
		tl.AppendNotice("n", now)
	}
	snap := tl.Snapshot(3)
	if len(snap.Blocks) != 3 {
		t.Fatalf("limited blocks = %d", len(snap.Blocks))
	}
	if tl.BlockCount() != 10 {
		t.Fatalf("count = %d", tl.BlockCount())
	}
}
