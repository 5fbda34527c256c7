package hostshell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/schema"
)

// eventBacklog is how many host events a session can accumulate before
// its consumer signals readiness. The reader blocks once it fills, so
// nothing is dropped; the kernel pty buffer absorbs the backpressure.
const eventBacklog = 512

// shellStopGrace is how long each rung of the stop ladder waits for the
// shell to exit before escalating.
const shellStopGrace = 2 * time.Second

var stopSleep = time.Sleep

// Config controls how shells are spawned.
type Config struct {
	// Env holds extra KEY=VALUE entries appended to the shell environment.
	Env []string
}

// Host runs shell sessions on the local machine, one pty per session.
// It implements core.Host. Prompt marks and directory reports arrive
// only when the user's shell integration emits them; sessions without
// it still produce plain terminal output.
type Host struct {
	cfg Config
}

// New constructs a local pty host.
func New(cfg Config) *Host {
	return &Host{cfg: cfg}
}

// Open spawns the shell inside a pty and starts its event reader.
func (h *Host) Open(ctx context.Context, req core.HostOpenRequest) (core.HostHandle, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("missing shell command")
	}
	log := pslog.Ctx(ctx)

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, h.cfg.Env...)
	if req.SessionID != "" {
		cmd.Env = append(cmd.Env, "QBITSYNC_SESSION="+string(req.SessionID))
	}

	size := &pty.Winsize{Rows: 24, Cols: 80}
	if req.Size.Rows > 0 && req.Size.Cols > 0 {
		size = &pty.Winsize{Rows: uint16(req.Size.Rows), Cols: uint16(req.Size.Cols)}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		log.Error("hostshell start failed", "err", err, "command", req.Command[0])
		return nil, err
	}
	log.Info("hostshell session started", "pid", cmd.Process.Pid, "command", req.Command[0], "workdir", req.WorkingDir)

	sess := &shellSession{
		log:      log,
		id:       req.SessionID,
		cmd:      cmd,
		ptmx:     ptmx,
		scan:     newScanner(),
		events:   make(chan schema.HostEvent, eventBacklog),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
		waitDone: make(chan struct{}),
	}
	go sess.read()
	return sess, nil
}

// shellSession is one running shell under a pty.
type shellSession struct {
	log  pslog.Logger
	id   schema.SessionID
	cmd  *exec.Cmd
	ptmx *os.File
	scan *scanner

	events   chan schema.HostEvent
	ready    chan struct{}
	stop     chan struct{}
	waitDone chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	waitOnce  sync.Once
	writeMu   sync.Mutex

	mu       sync.Mutex
	exitCode int
}

// read pumps pty bytes through the scanner onto the event channel until
// the shell exits or the handle is closed. It is the channel's only
// sender and closes it when done.
func (s *shellSession) read() {
	defer close(s.events)
	aborted := false
	buf := make([]byte, 32*1024)
	for !aborted {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			for _, ev := range s.scan.Scan(buf[:n]) {
				if !s.send(ev) {
					aborted = true
					break
				}
			}
		}
		if err != nil {
			if !readEnded(err) {
				s.log.Warn("hostshell read failed", "err", err)
			}
			break
		}
	}
	if !aborted {
		for _, ev := range s.scan.Flush() {
			if !s.send(ev) {
				aborted = true
				break
			}
		}
	}
	res := s.waitResult()
	if !aborted {
		code := res.ExitCode
		s.send(schema.HostEvent{Channel: schema.ChannelSessionEnded, ExitCode: &code})
	}
	s.log.Debug("hostshell session ended", "exit_code", res.ExitCode)
}

func (s *shellSession) send(ev schema.HostEvent) bool {
	ev.SessionID = s.id
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// readEnded reports whether a pty read error means the shell is gone.
// Linux returns EIO from the master side once the child exits.
func readEnded(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// Events returns the session's event stream. Delivery is held back
// until NotifyReady so a consumer that registers late sees everything
// from the start.
func (s *shellSession) Events() core.HostStream {
	return &shellStream{sess: s}
}

func (s *shellSession) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(data)
	return err
}

func (s *shellSession) Resize(ctx context.Context, size schema.TermSize) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if size.Rows <= 0 || size.Cols <= 0 {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
}

func (s *shellSession) NotifyReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *shellSession) Wait(ctx context.Context) (core.HostResult, error) {
	done := make(chan core.HostResult, 1)
	go func() { done <- s.waitResult() }()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return core.HostResult{}, ctx.Err()
	}
}

func (s *shellSession) waitResult() core.HostResult {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					s.log.Debug("hostshell shell signaled", "signal", status.Signal().String())
				}
			} else {
				s.log.Warn("hostshell wait failed", "err", err)
			}
		}
		s.mu.Lock()
		s.exitCode = code
		s.mu.Unlock()
		close(s.waitDone)
	})
	<-s.waitDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.HostResult{ExitCode: s.exitCode}
}

// Close stops the shell with an escalating signal ladder (HUP, TERM,
// KILL) and releases the pty. Safe to call more than once.
func (s *shellSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		if !s.exited() {
			s.signal(syscall.SIGHUP)
			if !s.waitExit(shellStopGrace) {
				s.log.Debug("hostshell escalating stop", "signal", "TERM")
				s.signal(syscall.SIGTERM)
				if !s.waitExit(shellStopGrace) {
					s.log.Warn("hostshell escalating stop", "signal", "KILL")
					s.signal(syscall.SIGKILL)
				}
			}
		}
		_ = s.ptmx.Close()
	})
	return nil
}

func (s *shellSession) exited() bool {
	select {
	case <-s.waitDone:
		return true
	default:
		return false
	}
}

func (s *shellSession) signal(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debug("hostshell signal failed", "signal", sig.String(), "err", err)
	}
}

func (s *shellSession) waitExit(grace time.Duration) bool {
	const step = 20 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < grace; elapsed += step {
		if s.exited() {
			return true
		}
		stopSleep(step)
	}
	return s.exited()
}

type shellStream struct {
	sess *shellSession
}

func (st *shellStream) Next(ctx context.Context) (schema.HostEvent, error) {
	select {
	case <-st.sess.ready:
	case <-ctx.Done():
		return schema.HostEvent{}, ctx.Err()
	}
	select {
	case ev, ok := <-st.sess.events:
		if !ok {
			return schema.HostEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return schema.HostEvent{}, ctx.Err()
	}
}

func (st *shellStream) Close() error { return nil }
