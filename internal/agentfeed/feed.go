package agentfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/schema"
)

// Config controls how the agent process is invoked.
type Config struct {
	// Command is the agent binary plus its base arguments.
	Command []string
	// ExtraArgs are appended after the base arguments.
	ExtraArgs []string
	// Env holds extra KEY=VALUE entries for the agent environment.
	Env []string
}

// Feed runs one agent process per turn and implements core.AgentRunner.
// The protocol is line oriented: the prompt goes to stdin as a JSON
// line and stdin stays open for tool responses; stdout carries JSONL
// event envelopes; stderr is log noise. Sequence numbers are rebased
// onto a per-session counter so restarts between turns stay monotonic.
type Feed struct {
	cfg Config

	mu   sync.Mutex
	seqs map[schema.SessionID]*uint64
}

// New constructs an agent feed.
func New(cfg Config) (*Feed, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"qbit-agent"}
	}
	return &Feed{cfg: cfg, seqs: make(map[schema.SessionID]*uint64)}, nil
}

// StartTurn spawns the agent process for one turn.
func (f *Feed) StartTurn(ctx context.Context, req core.TurnRequest) (core.TurnHandle, error) {
	if req.Prompt == "" {
		return nil, schema.ErrEmptyPrompt
	}
	log := pslog.Ctx(ctx)
	args := append(append([]string(nil), f.cfg.Command[1:]...), f.cfg.ExtraArgs...)
	log.Info("agentfeed turn start",
		"workdir", req.WorkingDir,
		"turn", req.TurnID,
		"args_len", len(args),
		"prompt_len", len(req.Prompt),
		"env_extra", len(f.cfg.Env),
	)

	cmd := exec.CommandContext(ctx, f.cfg.Command[0], args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = append(os.Environ(), f.cfg.Env...)
	if req.SessionID != "" {
		cmd.Env = append(cmd.Env, "QBITSYNC_SESSION="+string(req.SessionID))
	}
	if req.TurnID != "" {
		cmd.Env = append(cmd.Env, "QBITSYNC_TURN="+string(req.TurnID))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("agentfeed stdout failed", "err", err)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("agentfeed stderr failed", "err", err)
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("agentfeed stdin failed", "err", err)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		log.Error("agentfeed start failed", "err", err)
		return nil, err
	}
	if cmd.Process != nil {
		log.Info("agentfeed started", "pid", cmd.Process.Pid)
	}

	turn := &turnFeed{
		cmd:     cmd,
		stream:  newEnvelopeStream(ctx, req.SessionID, f.sequencerFor(req.SessionID), stdout, stderr),
		stdin:   stdin,
		log:     log,
		started: time.Now(),
	}
	go turn.submitPrompt(req)
	return turn, nil
}

// sequencerFor returns a sequencer whose base is the session's next
// free number. The counter is shared with any straggling stream from
// an earlier turn, so assignments stay behind the feed lock.
func (f *Feed) sequencerFor(id schema.SessionID) *sequencer {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.seqs[id]
	if next == nil {
		next = new(uint64)
		f.seqs[id] = next
	}
	return &sequencer{mu: &f.mu, base: *next, next: next}
}

type promptLine struct {
	Prompt string        `json:"prompt"`
	TurnID schema.TurnID `json:"turn_id,omitempty"`
}

type toolResponseLine struct {
	ToolResponse toolResponseBody `json:"tool_response"`
}

type toolResponseBody struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
}

type turnFeed struct {
	cmd     *exec.Cmd
	stream  *envelopeStream
	log     pslog.Logger
	started time.Time

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool
}

func (t *turnFeed) submitPrompt(req core.TurnRequest) {
	if err := t.writeLine(promptLine{Prompt: req.Prompt, TurnID: req.TurnID}); err != nil {
		t.log.Warn("agentfeed prompt write failed", "err", err)
	}
}

func (t *turnFeed) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if t.stdinClosed {
		return errors.New("agent stdin closed")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *turnFeed) Events() core.TurnStream {
	return t.stream
}

func (t *turnFeed) RespondTool(ctx context.Context, toolID string, approve bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.writeLine(toolResponseLine{ToolResponse: toolResponseBody{ID: toolID, Approve: approve}}); err != nil {
		return err
	}
	t.log.Debug("agentfeed tool response sent", "tool", toolID, "approved", approve)
	return nil
}

// Cancel interrupts the agent. The context backing the turn kills the
// process outright if the interrupt is ignored.
func (t *turnFeed) Cancel(ctx context.Context) error {
	_ = ctx
	if t.cmd == nil || t.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return t.cmd.Process.Signal(syscall.SIGINT)
}

func (t *turnFeed) Wait(ctx context.Context) (core.TurnResult, error) {
	_ = ctx
	if t.cmd == nil {
		return core.TurnResult{}, fmt.Errorf("process not started")
	}
	err := t.cmd.Wait()
	signal := ""
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		} else {
			t.log.Error("agentfeed wait failed", "err", err)
			return core.TurnResult{}, err
		}
	}
	fields := []any{
		"exit_code", exitCode,
		"duration_ms", time.Since(t.started).Milliseconds(),
	}
	if signal != "" {
		fields = append(fields, "signal", signal)
	}
	t.log.Info("agentfeed turn finished", fields...)
	return core.TurnResult{ExitCode: exitCode}, nil
}

func (t *turnFeed) Close() error {
	t.stdinMu.Lock()
	if !t.stdinClosed {
		t.stdinClosed = true
		_ = t.stdin.Close()
	}
	t.stdinMu.Unlock()
	return t.stream.Close()
}
