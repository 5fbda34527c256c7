package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

// timeline reduces accepted agent and command events into the ordered,
// append-only block stream for one session. Finalized blocks are never
// mutated; in-flight tool calls live in open until their outcome
// arrives. All mutating calls come from the session's router; snapshot
// reads may come from any transport.
type timeline struct {
	mu            sync.Mutex
	sessionID     schema.SessionID
	blocks        []schema.RenderBlock
	open          []schema.RenderBlock
	streamText    string
	phase         schema.TurnPhase
	turnID        schema.TurnID
	pendingToolID string
	turnStarted   time.Time
}

func newTimeline(sessionID schema.SessionID) *timeline {
	return &timeline{sessionID: sessionID, phase: schema.PhaseIdle}
}

func (t *timeline) event(typ schema.TimelineEventType) schema.TimelineEvent {
	return schema.TimelineEvent{SessionID: t.sessionID, Type: typ}
}

func (t *timeline) blockEvent(b schema.RenderBlock) schema.TimelineEvent {
	ev := t.event(schema.TimelineBlockAppended)
	ev.Block = &b
	return ev
}

func (t *timeline) toolEvent(b schema.RenderBlock) schema.TimelineEvent {
	ev := t.event(schema.TimelineToolUpdated)
	ev.Block = &b
	return ev
}

func (t *timeline) phaseEventLocked(phase schema.TurnPhase) schema.TimelineEvent {
	t.phase = phase
	ev := t.event(schema.TimelinePhase)
	ev.Phase = phase
	return ev
}

func (t *timeline) streamEventLocked(text string) schema.TimelineEvent {
	t.streamText = text
	ev := t.event(schema.TimelineStreaming)
	ev.StreamingText = text
	return ev
}

func (t *timeline) appendLocked(b schema.RenderBlock) schema.RenderBlock {
	if b.ID == "" {
		b.ID = newID()
	}
	t.blocks = append(t.blocks, b)
	return b
}

// AppendPrompt records a submitted user prompt.
func (t *timeline) AppendPrompt(turnID schema.TurnID, text string, now time.Time) schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.appendLocked(schema.RenderBlock{
		Kind:      schema.BlockUserPrompt,
		TurnID:    turnID,
		Text:      text,
		Timestamp: now,
	})
	return t.blockEvent(b)
}

// AppendCommand records a shell command delimited by prompt marks.
func (t *timeline) AppendCommand(command, dir string, exitCode *int, now time.Time) schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.appendLocked(schema.RenderBlock{
		Kind:      schema.BlockCommand,
		Command:   command,
		Directory: dir,
		ExitCode:  exitCode,
		Timestamp: now,
	})
	return t.blockEvent(b)
}

// AppendNotice records a system notice line.
func (t *timeline) AppendNotice(text string, now time.Time) schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.appendLocked(schema.RenderBlock{
		Kind:      schema.BlockNotice,
		TurnID:    t.turnID,
		Text:      text,
		Timestamp: now,
	})
	return t.blockEvent(b)
}

// SetStreamText commits coalesced streaming text. The first commit of a
// turn also moves the phase from thinking to responding.
func (t *timeline) SetStreamText(text string) []schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := []schema.TimelineEvent{t.streamEventLocked(text)}
	if t.phase == schema.PhaseThinking {
		events = append(events, t.phaseEventLocked(schema.PhaseResponding))
	}
	return events
}

// PendingToolID returns the tool call waiting on user approval, if any.
func (t *timeline) PendingToolID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingToolID
}

// ResolveApproval marks the pending tool block approved and clears the
// pending approval so a repeated response is rejected. The block stays
// open until the agent reports its result. Denials are not resolved
// here; the agent's own denial event finalizes the block.
func (t *timeline) ResolveApproval(id string) []schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingToolID == "" || id != t.pendingToolID {
		return nil
	}
	t.pendingToolID = ""
	for i := range t.open {
		if t.open[i].Tool != nil && t.open[i].Tool.ID == id {
			t.open[i].ToolStatus = schema.ToolStatusApproved
			return []schema.TimelineEvent{t.toolEvent(t.open[i])}
		}
	}
	return nil
}

// ApplyAgent reduces one accepted agent event into timeline state and
// returns the resulting change events in emission order. Unknown event
// types yield no events; the caller logs them.
func (t *timeline) ApplyAgent(ev schema.AgentEvent, now time.Time) []schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case schema.AgentEventStarted:
		t.turnID = ev.TurnID
		t.turnStarted = now
		events := []schema.TimelineEvent{t.phaseEventLocked(schema.PhaseThinking)}
		if t.streamText != "" {
			events = append(events, t.streamEventLocked(""))
		}
		return events

	case schema.AgentEventReasoning:
		b := t.appendLocked(schema.RenderBlock{
			Kind:      schema.BlockReasoning,
			TurnID:    t.turnID,
			Text:      ev.Text,
			Timestamp: now,
		})
		return []schema.TimelineEvent{t.blockEvent(b)}

	case schema.AgentEventToolRequest:
		b := schema.RenderBlock{
			ID:         newID(),
			Kind:       schema.BlockToolCall,
			TurnID:     t.turnID,
			Tool:       ev.Tool,
			ToolStatus: schema.ToolStatusRequested,
			Timestamp:  now,
		}
		t.open = append(t.open, b)
		return []schema.TimelineEvent{t.toolEvent(b)}

	case schema.AgentEventToolApprovalRequest:
		if b, ok := t.updateOpenLocked(ev.Tool, schema.ToolStatusAwaitingApproval, nil); ok {
			t.pendingToolID = toolID(ev.Tool)
			return []schema.TimelineEvent{t.toolEvent(b)}
		}
		// Some agents ask for approval without announcing the call first.
		// The approval request then carries the first sighting of the tool.
		b := schema.RenderBlock{
			ID:         newID(),
			Kind:       schema.BlockToolCall,
			TurnID:     t.turnID,
			Tool:       ev.Tool,
			ToolStatus: schema.ToolStatusAwaitingApproval,
			Timestamp:  now,
		}
		t.open = append(t.open, b)
		t.pendingToolID = toolID(ev.Tool)
		return []schema.TimelineEvent{t.toolEvent(b)}

	case schema.AgentEventToolAutoApproved:
		if b, ok := t.updateOpenLocked(ev.Tool, schema.ToolStatusAutoApproved, nil); ok {
			return []schema.TimelineEvent{t.toolEvent(b)}
		}
		return nil

	case schema.AgentEventToolDenied:
		if b, ok := t.finalizeOpenLocked(ev.Tool, schema.ToolStatusDenied, nil); ok {
			t.clearPendingToolLocked(ev.Tool)
			return []schema.TimelineEvent{t.blockEvent(b)}
		}
		return nil

	case schema.AgentEventToolResult:
		status := schema.ToolStatusCompleted
		if ev.Result != nil && ev.Result.IsError {
			status = schema.ToolStatusFailed
		}
		tool := ev.Tool
		if tool == nil && ev.Result != nil {
			tool = &schema.ToolCall{ID: ev.Result.ID, Name: ev.Result.Name}
		}
		if b, ok := t.finalizeOpenLocked(tool, status, ev.Result); ok {
			t.clearPendingToolLocked(tool)
			return []schema.TimelineEvent{t.blockEvent(b)}
		}
		return nil

	case schema.AgentEventCompleted:
		return t.finishTurnLocked(ev, now)

	case schema.AgentEventError:
		return t.failTurnLocked(ev, now)

	case schema.AgentEventSubAgentStarted:
		return t.noticeLocked(fmt.Sprintf("sub-agent %s started: %s", ev.SubAgentID, ev.Task), now)
	case schema.AgentEventSubAgentCompleted:
		return t.noticeLocked(fmt.Sprintf("sub-agent %s completed", ev.SubAgentID), now)
	case schema.AgentEventSubAgentFailed:
		return t.noticeLocked(fmt.Sprintf("sub-agent %s failed: %s", ev.SubAgentID, ev.Message), now)
	case schema.AgentEventContextCompacted:
		return t.noticeLocked("conversation context compacted", now)
	case schema.AgentEventMaxIterations:
		return t.noticeLocked("turn stopped: max iterations reached", now)
	}
	return nil
}

// AbortTurn finalizes a cancelled turn: partial streamed text is kept
// as a block, open tool calls are failed, and the phase returns to idle.
func (t *timeline) AbortTurn(reason string, now time.Time) []schema.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == schema.PhaseIdle {
		return nil
	}
	var events []schema.TimelineEvent
	events = append(events, t.drainOpenLocked(now)...)
	if t.streamText != "" {
		b := t.appendLocked(schema.RenderBlock{
			Kind:      schema.BlockAgentText,
			TurnID:    t.turnID,
			Text:      t.streamText,
			Timestamp: now,
		})
		events = append(events, t.blockEvent(b))
	}
	if reason != "" {
		b := t.appendLocked(schema.RenderBlock{
			Kind:      schema.BlockNotice,
			TurnID:    t.turnID,
			Text:      reason,
			Timestamp: now,
		})
		events = append(events, t.blockEvent(b))
	}
	events = append(events, t.streamEventLocked(""))
	events = append(events, t.phaseEventLocked(schema.PhaseIdle))
	t.turnID = ""
	t.pendingToolID = ""
	return events
}

// Snapshot returns the finalized blocks (the last limit of them when
// limit > 0), in-flight tool blocks, and streaming state.
func (t *timeline) Snapshot(limit int) schema.TimelineSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	blocks := t.blocks
	if limit > 0 && len(blocks) > limit {
		blocks = blocks[len(blocks)-limit:]
	}
	snap := schema.TimelineSnapshot{
		SessionID:     t.sessionID,
		Blocks:        append([]schema.RenderBlock(nil), blocks...),
		StreamingText: t.streamText,
		Phase:         t.phase,
	}
	if len(t.open) > 0 {
		snap.StreamingBlocks = append([]schema.RenderBlock(nil), t.open...)
	}
	return snap
}

// Restore seeds the timeline from a saved snapshot.
func (t *timeline) Restore(snap schema.TimelineSnapshot) {
	t.mu.Lock()
	t.blocks = append([]schema.RenderBlock(nil), snap.Blocks...)
	t.mu.Unlock()
}

// BlockCount reports finalized blocks.
func (t *timeline) BlockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks)
}

// Phase reports the current turn phase.
func (t *timeline) Phase() schema.TurnPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// TurnID reports the current turn identifier.
func (t *timeline) TurnID() schema.TurnID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turnID
}

func (t *timeline) finishTurnLocked(ev schema.AgentEvent, now time.Time) []schema.TimelineEvent {
	var events []schema.TimelineEvent
	events = append(events, t.drainOpenLocked(now)...)
	text := ev.Response
	if text == "" {
		text = t.streamText
	}
	if text != "" {
		b := t.appendLocked(schema.RenderBlock{
			Kind:      schema.BlockAgentText,
			TurnID:    t.turnID,
			Text:      text,
			Timestamp: now,
		})
		events = append(events, t.blockEvent(b))
	}
	duration := ev.DurationMs
	if duration == 0 && !t.turnStarted.IsZero() {
		duration = now.Sub(t.turnStarted).Milliseconds()
	}
	summary := t.appendLocked(schema.RenderBlock{
		Kind:       schema.BlockTurnSummary,
		TurnID:     t.turnID,
		TokensUsed: ev.TokensUsed,
		DurationMs: duration,
		Timestamp:  now,
	})
	events = append(events, t.blockEvent(summary))
	events = append(events, t.streamEventLocked(""))
	events = append(events, t.phaseEventLocked(schema.PhaseIdle))
	t.turnID = ""
	t.pendingToolID = ""
	return events
}

func (t *timeline) failTurnLocked(ev schema.AgentEvent, now time.Time) []schema.TimelineEvent {
	var events []schema.TimelineEvent
	events = append(events, t.drainOpenLocked(now)...)
	if t.streamText != "" {
		b := t.appendLocked(schema.RenderBlock{
			Kind:      schema.BlockAgentText,
			TurnID:    t.turnID,
			Text:      t.streamText,
			Timestamp: now,
		})
		events = append(events, t.blockEvent(b))
	}
	text := ev.Message
	if ev.ErrorType != "" {
		text = fmt.Sprintf("%s (%s)", ev.Message, ev.ErrorType)
	}
	b := t.appendLocked(schema.RenderBlock{
		Kind:      schema.BlockError,
		TurnID:    t.turnID,
		Text:      text,
		Timestamp: now,
	})
	events = append(events, t.blockEvent(b))
	events = append(events, t.streamEventLocked(""))
	events = append(events, t.phaseEventLocked(schema.PhaseIdle))
	t.turnID = ""
	t.pendingToolID = ""
	return events
}

func (t *timeline) noticeLocked(text string, now time.Time) []schema.TimelineEvent {
	b := t.appendLocked(schema.RenderBlock{
		Kind:      schema.BlockNotice,
		TurnID:    t.turnID,
		Text:      text,
		Timestamp: now,
	})
	return []schema.TimelineEvent{t.blockEvent(b)}
}

// drainOpenLocked finalizes any tool blocks still open at turn end, in
// insertion order, preserving their last observed status.
func (t *timeline) drainOpenLocked(now time.Time) []schema.TimelineEvent {
	if len(t.open) == 0 {
		return nil
	}
	var events []schema.TimelineEvent
	for _, b := range t.open {
		b.Timestamp = now
		t.blocks = append(t.blocks, b)
		events = append(events, t.blockEvent(b))
	}
	t.open = nil
	return events
}

func (t *timeline) updateOpenLocked(tool *schema.ToolCall, status schema.ToolStatus, result *schema.ToolResult) (schema.RenderBlock, bool) {
	idx := t.openIndexLocked(tool)
	if idx < 0 {
		return schema.RenderBlock{}, false
	}
	t.open[idx].ToolStatus = status
	if result != nil {
		t.open[idx].Result = result
	}
	if tool != nil && t.open[idx].Tool == nil {
		t.open[idx].Tool = tool
	}
	return t.open[idx], true
}

func (t *timeline) finalizeOpenLocked(tool *schema.ToolCall, status schema.ToolStatus, result *schema.ToolResult) (schema.RenderBlock, bool) {
	idx := t.openIndexLocked(tool)
	if idx < 0 {
		// A result for a call we never saw still lands on the timeline.
		b := t.appendLocked(schema.RenderBlock{
			Kind:       schema.BlockToolCall,
			TurnID:     t.turnID,
			Tool:       tool,
			ToolStatus: status,
			Result:     result,
			Timestamp:  time.Now(),
		})
		return b, true
	}
	b := t.open[idx]
	b.ToolStatus = status
	if result != nil {
		b.Result = result
	}
	t.open = append(t.open[:idx], t.open[idx+1:]...)
	t.blocks = append(t.blocks, b)
	return b, true
}

// openIndexLocked matches by tool id when present, falling back to the
// oldest open block so id-less streams still resolve.
func (t *timeline) openIndexLocked(tool *schema.ToolCall) int {
	if len(t.open) == 0 {
		return -1
	}
	id := toolID(tool)
	if id == "" {
		return 0
	}
	for i, b := range t.open {
		if b.Tool != nil && b.Tool.ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) clearPendingToolLocked(tool *schema.ToolCall) {
	if t.pendingToolID == "" {
		return
	}
	if id := toolID(tool); id == "" || id == t.pendingToolID {
		t.pendingToolID = ""
	}
}

func toolID(tool *schema.ToolCall) string {
	if tool == nil {
		return ""
	}
	return tool.ID
}
