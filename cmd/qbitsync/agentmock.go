package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbit-ai/qbitsync/schema"
)

// errMockInterrupted ends a scenario early after a signal; the stream
// already carries the error event by then.
var errMockInterrupted = errors.New("agent mock interrupted")

func newAgentMockCmd() *cobra.Command {
	var opts mockOptions
	cmd := &cobra.Command{
		Use:           "agent-mock [prompt]",
		Short:         "Emit a mock agent JSONL stream for development and tests",
		Hidden:        true,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.prompt = strings.Join(args, " ")
			return runAgentMock(opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "scenario name (text, tool, approval, error, subagent)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "seed for deterministic output")
	cmd.Flags().IntVar(&opts.delayMs, "delay-ms", 20, "delay between events in milliseconds")
	cmd.Flags().IntVar(&opts.lingerMs, "linger-ms", 0, "keep the process alive after the last event")
	cmd.Flags().IntVar(&opts.gapEvery, "gap-every", 0, "skip a sequence number every N events")
	cmd.Flags().IntVar(&opts.dupEvery, "dup-every", 0, "emit every Nth event twice")
	cmd.Flags().BoolVar(&opts.bare, "bare", false, "emit bare events without the seq envelope")
	return cmd
}

type mockOptions struct {
	prompt   string
	scenario string
	seed     uint64
	delayMs  int
	lingerMs int
	gapEvery int
	dupEvery int
	bare     bool
}

type mockScenario struct {
	name string
	run  func(m *mockRun) error
}

func mockScenarios() []mockScenario {
	return []mockScenario{
		{name: "text", run: scenarioText},
		{name: "tool", run: scenarioTool},
		{name: "approval", run: scenarioApproval},
		{name: "error", run: scenarioError},
		{name: "subagent", run: scenarioSubagent},
	}
}

func runAgentMock(opts mockOptions, stdin io.Reader, stdout io.Writer) error {
	reader := bufio.NewReader(stdin)

	prompt := strings.TrimSpace(opts.prompt)
	turnID := schema.TurnID(os.Getenv("QBITSYNC_TURN"))
	if prompt == "" {
		var err error
		prompt, turnID, err = readPromptLine(reader, turnID)
		if err != nil {
			return err
		}
	}

	seed := opts.seed
	if seed == 0 {
		seed = hashSeed(prompt, opts.scenario)
	}
	scenario, err := pickScenario(opts.scenario, seed)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	run := &mockRun{
		emit: &mockEmitter{
			w:         bufio.NewWriter(stdout),
			sessionID: schema.SessionID(os.Getenv("QBITSYNC_SESSION")),
			turnID:    turnID,
			bare:      opts.bare,
			gapEvery:  opts.gapEvery,
			dupEvery:  opts.dupEvery,
			delay:     time.Duration(opts.delayMs) * time.Millisecond,
			sig:       sigCh,
		},
		reader:  reader,
		prompt:  prompt,
		seed:    seed,
		started: time.Now(),
	}
	defer func() { _ = run.emit.w.Flush() }()

	if err := scenario.run(run); err != nil {
		if errors.Is(err, errMockInterrupted) {
			return nil
		}
		return err
	}

	if opts.lingerMs > 0 {
		timer := time.NewTimer(time.Duration(opts.lingerMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case sig := <-sigCh:
			return run.emit.interrupted(sig)
		case <-timer.C:
		}
	}
	return nil
}

// readPromptLine decodes the first stdin line the feed sends. A line
// that is not a prompt object is taken verbatim, which keeps piping a
// plain prompt string working.
func readPromptLine(reader *bufio.Reader, fallbackTurn schema.TurnID) (string, schema.TurnID, error) {
	line, err := reader.ReadString('\n')
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		if err != nil {
			return "", "", errors.New("no prompt provided")
		}
		return readPromptLine(reader, fallbackTurn)
	}
	var req struct {
		Prompt string        `json:"prompt"`
		TurnID schema.TurnID `json:"turn_id"`
	}
	if json.Unmarshal([]byte(trimmed), &req) == nil && strings.TrimSpace(req.Prompt) != "" {
		turn := req.TurnID
		if turn == "" {
			turn = fallbackTurn
		}
		return req.Prompt, turn, nil
	}
	return trimmed, fallbackTurn, nil
}

func hashSeed(prompt, scenario string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(prompt))
	_, _ = hasher.Write([]byte(scenario))
	seed := hasher.Sum64()
	if seed == 0 {
		seed = 1
	}
	return seed
}

func pickScenario(name string, seed uint64) (mockScenario, error) {
	scenarios := mockScenarios()
	if name != "" {
		for _, s := range scenarios {
			if s.name == name {
				return s, nil
			}
		}
		return mockScenario{}, fmt.Errorf("unknown scenario: %s", name)
	}
	return scenarios[int(seed%uint64(len(scenarios)))], nil
}

type mockRun struct {
	emit    *mockEmitter
	reader  *bufio.Reader
	prompt  string
	seed    uint64
	started time.Time
}

func (m *mockRun) response() string {
	templates := []string{
		"Mock response: handled request %q.",
		"Mock response: completed task for %q.",
		"Mock response: produced summary for %q.",
		"Mock response: generated output for %q.",
	}
	idx := int(m.seed % uint64(len(templates)))
	return fmt.Sprintf(templates[idx], m.prompt)
}

func (m *mockRun) completed(response string) error {
	return m.emit.event(schema.AgentEvent{
		Type:       schema.AgentEventCompleted,
		Response:   response,
		TokensUsed: int(24 + m.seed%96),
		DurationMs: time.Since(m.started).Milliseconds(),
	})
}

// streamText emits the response in word chunks the way a streaming
// provider would, with accumulated text on every delta.
func (m *mockRun) streamText(text string) error {
	words := strings.Fields(text)
	var accumulated strings.Builder
	for i := 0; i < len(words); i += 3 {
		end := i + 3
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if accumulated.Len() > 0 {
			chunk = " " + chunk
		}
		accumulated.WriteString(chunk)
		if err := m.emit.event(schema.AgentEvent{
			Type:        schema.AgentEventTextDelta,
			Delta:       chunk,
			Accumulated: accumulated.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// waitToolResponse blocks on stdin until the feed forwards a decision
// for the given tool call. EOF counts as a denial.
func (m *mockRun) waitToolResponse(toolID string) (bool, error) {
	for {
		line, err := m.reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			var resp struct {
				ToolResponse struct {
					ID      string `json:"id"`
					Approve bool   `json:"approve"`
				} `json:"tool_response"`
			}
			if json.Unmarshal([]byte(trimmed), &resp) == nil && resp.ToolResponse.ID == toolID {
				return resp.ToolResponse.Approve, nil
			}
		}
		if err != nil {
			return false, nil
		}
	}
}

func scenarioText(m *mockRun) error {
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventStarted}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type: schema.AgentEventReasoning,
		Text: "Reading the prompt and the recent shell output.",
	}); err != nil {
		return err
	}
	response := m.response()
	if err := m.streamText(response); err != nil {
		return err
	}
	return m.completed(response)
}

func scenarioTool(m *mockRun) error {
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventStarted}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type:        schema.AgentEventTextDelta,
		Delta:       "Let me check the repository first.",
		Accumulated: "Let me check the repository first.",
	}); err != nil {
		return err
	}
	tool := &schema.ToolCall{
		ID:     "tool_0",
		Name:   "read_file",
		Args:   json.RawMessage(`{"path":"README.md"}`),
		Source: schema.ToolSourceMain,
	}
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventToolRequest, Tool: tool}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventToolAutoApproved, Tool: tool}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type: schema.AgentEventToolResult,
		Result: &schema.ToolResult{
			ID:     tool.ID,
			Name:   tool.Name,
			Output: "# README\n\nA mock repository.\n",
		},
	}); err != nil {
		return err
	}
	response := m.response()
	if err := m.streamText(response); err != nil {
		return err
	}
	return m.completed(response)
}

func scenarioApproval(m *mockRun) error {
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventStarted}); err != nil {
		return err
	}
	tool := &schema.ToolCall{
		ID:     "tool_0",
		Name:   "run_shell",
		Args:   json.RawMessage(`{"command":"rm scratch.txt"}`),
		Source: schema.ToolSourceMain,
	}
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventToolApprovalRequest, Tool: tool}); err != nil {
		return err
	}
	approved, err := m.waitToolResponse(tool.ID)
	if err != nil {
		return err
	}
	if !approved {
		if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventToolDenied, Tool: tool}); err != nil {
			return err
		}
		return m.completed("Left the file alone.")
	}
	if err := m.emit.event(schema.AgentEvent{
		Type: schema.AgentEventToolResult,
		Result: &schema.ToolResult{
			ID:     tool.ID,
			Name:   tool.Name,
			Output: "removed scratch.txt",
		},
	}); err != nil {
		return err
	}
	return m.completed("Removed the scratch file.")
}

func scenarioError(m *mockRun) error {
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventStarted}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type: schema.AgentEventReasoning,
		Text: "Attempting an operation that is going to fail.",
	}); err != nil {
		return err
	}
	return m.emit.event(schema.AgentEvent{
		Type:      schema.AgentEventError,
		Message:   "mock failure: simulated provider outage",
		ErrorType: "provider_unavailable",
	})
}

func scenarioSubagent(m *mockRun) error {
	if err := m.emit.event(schema.AgentEvent{Type: schema.AgentEventStarted}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type:       schema.AgentEventSubAgentStarted,
		SubAgentID: "sub_0",
		Task:       "scan dependency manifests",
	}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type:        schema.AgentEventTextDelta,
		Delta:       "Delegated the scan.",
		Accumulated: "Delegated the scan.",
	}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type:       schema.AgentEventSubAgentCompleted,
		SubAgentID: "sub_0",
	}); err != nil {
		return err
	}
	if err := m.emit.event(schema.AgentEvent{
		Type:    schema.AgentEventContextCompacted,
		Message: "compacted 2 early exchanges",
	}); err != nil {
		return err
	}
	response := m.response()
	if err := m.streamText(response); err != nil {
		return err
	}
	return m.completed(response)
}

// mockEmitter writes event envelopes and owns the sequence counter.
// Gap injection burns a number before a write, duplicate injection
// repeats the encoded line, both keyed off the running event count so
// downstream ordering logic can be exercised deterministically.
type mockEmitter struct {
	w         *bufio.Writer
	sessionID schema.SessionID
	turnID    schema.TurnID
	bare      bool
	gapEvery  int
	dupEvery  int
	delay     time.Duration
	sig       chan os.Signal

	seq   uint64
	count int
}

func (e *mockEmitter) event(event schema.AgentEvent) error {
	select {
	case sig := <-e.sig:
		if err := e.interrupted(sig); err != nil {
			return err
		}
		return errMockInterrupted
	default:
	}
	if err := e.write(event); err != nil {
		return err
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return nil
}

func (e *mockEmitter) interrupted(sig os.Signal) error {
	return e.write(schema.AgentEvent{
		Type:      schema.AgentEventError,
		Message:   fmt.Sprintf("mock interrupted by %s", sig),
		ErrorType: "cancelled",
	})
}

func (e *mockEmitter) write(event schema.AgentEvent) error {
	if event.TurnID == "" {
		event.TurnID = e.turnID
	}
	e.count++
	if e.gapEvery > 0 && e.count%e.gapEvery == 0 {
		e.seq++
	}
	line, err := e.encode(event)
	if err != nil {
		return err
	}
	e.seq++
	if err := e.writeLine(line); err != nil {
		return err
	}
	if e.dupEvery > 0 && e.count%e.dupEvery == 0 {
		if err := e.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *mockEmitter) encode(event schema.AgentEvent) ([]byte, error) {
	if e.bare {
		return json.Marshal(event)
	}
	seq := e.seq
	return json.Marshal(schema.AgentEnvelope{
		SessionID: e.sessionID,
		Seq:       &seq,
		Timestamp: time.Now().UTC(),
		Event:     event,
	})
}

func (e *mockEmitter) writeLine(line []byte) error {
	if _, err := e.w.Write(line); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}
