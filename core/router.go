package core

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/internal/eventbus"
	"github.com/qbit-ai/qbitsync/internal/usage"
	"github.com/qbit-ai/qbitsync/schema"
)

// routerState tracks a session router through its lifecycle. State only
// moves forward; a torn-down router never restarts.
type routerState int32

const (
	routerUninitialized routerState = iota
	routerListenersPending
	routerLive
	routerTornDown
)

func (s routerState) String() string {
	switch s {
	case routerUninitialized:
		return "uninitialized"
	case routerListenersPending:
		return "listeners_pending"
	case routerLive:
		return "live"
	case routerTornDown:
		return "torn_down"
	}
	return "unknown"
}

// routerContext carries the collaborators a router drives for one
// session. The router keeps a single instance for its whole life and
// threads it through every dispatch, so swapping a collaborator never
// requires re-registering listeners.
type routerContext struct {
	userID   schema.UserID
	session  schema.SessionID
	host     HostHandle
	engine   *engine
	timeline *timeline
	sink     EventSink
	usage    *usage.Tracker

	// Lifecycle callbacks, invoked from the router goroutine. Optional.
	onDirectory func(dir string)
	onAltScreen func(active bool)
	onExit      func(code *int)
}

// router ties one session's host and agent streams to its terminal
// engine and timeline. It subscribes to the shared event bus, keeps only
// events addressed to its own session, gates agent sequence numbers, and
// brackets terminal writes during synchronized output.
//
// Input and resize never pass through here: the service forwards them to
// the host handle directly, so they work the moment the session exists,
// whatever state the router is in.
type router struct {
	log  pslog.Logger
	bus  *eventbus.Bus
	gate *seqGate
	coal *coalescer
	rc   *routerContext

	output *syncBuffer

	state atomic.Int32
	abort atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Streaming and command capture state. Router goroutine only.
	accum     string
	dir       string
	promptLen int
	command   string
	capturing bool
}

func newRouter(log pslog.Logger, bus *eventbus.Bus, gate *seqGate, coal *coalescer, rc *routerContext) *router {
	return &router{
		log:    log,
		bus:    bus,
		gate:   gate,
		coal:   coal,
		rc:     rc,
		output: newSyncBuffer(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start brings the router up. It returns immediately; bus registration
// happens on the router goroutine so callers never wait on it. Starting
// twice, or after teardown, is a no-op.
func (r *router) Start(ctx context.Context) {
	if !r.state.CompareAndSwap(int32(routerUninitialized), int32(routerListenersPending)) {
		return
	}
	r.output.Attach(r)
	go r.run(ctx)
}

// Teardown stops the router, flushes buffered terminal output, and
// releases the session's sequence tracking. It blocks until the router
// goroutine has exited and is safe to call at any lifecycle point,
// including while registration is still in flight, and more than once.
func (r *router) Teardown() {
	r.abort.Store(true)
	if r.state.CompareAndSwap(int32(routerUninitialized), int32(routerTornDown)) {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	r.coal.Cancel(r.rc.session)
	r.output.Detach()
	r.gate.Reset(r.rc.session)
	r.state.Store(int32(routerTornDown))
}

func (r *router) State() routerState {
	return routerState(r.state.Load())
}

func (r *router) aborted() bool {
	return r.abort.Load()
}

func (r *router) run(ctx context.Context) {
	defer close(r.done)
	hostCh, cancelHost := r.bus.SubscribeHost()
	defer cancelHost()
	agentCh, cancelAgent := r.bus.SubscribeAgent()
	defer cancelAgent()

	// Teardown may have raced registration. The subscriptions above
	// resolved either way; returning here unregisters them immediately
	// without ever going live.
	if r.aborted() {
		return
	}
	r.state.Store(int32(routerLive))
	r.log.Debug("router live", "session", r.rc.session)

	if err := r.rc.host.NotifyReady(ctx); err != nil {
		r.log.Warn("router ready notify failed", "session", r.rc.session, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case ev := <-hostCh:
			r.handleHost(ev)
		case env := <-agentCh:
			r.handleAgent(env)
		}
	}
}

// WriteChunk forwards terminal bytes to the engine and mirrors them to
// the event sink. Both sit behind the sync buffer, so a bracketed update
// lands in each as one write.
func (r *router) WriteChunk(data []byte) {
	r.rc.engine.WriteChunk(data)
	r.rc.sink.OnOutput(schema.OutputEvent{
		UserID:    r.rc.userID,
		SessionID: r.rc.session,
		Data:      data,
	})
}

func (r *router) handleHost(ev schema.HostEvent) {
	if ev.SessionID != r.rc.session || r.aborted() {
		return
	}
	switch ev.Channel {
	case schema.ChannelTerminalOutput:
		r.output.Write(ev.Data)
	case schema.ChannelSyncMode:
		r.output.SetSyncEnabled(ev.SyncEnabled)
	case schema.ChannelCommandMark:
		r.handleMark(ev.Mark)
	case schema.ChannelDirectoryChanged:
		r.dir = ev.Directory
		if r.rc.onDirectory != nil {
			r.rc.onDirectory(ev.Directory)
		}
	case schema.ChannelAlternateScreen:
		r.rc.engine.SetAltScreen(ev.AltScreen)
		if r.rc.onAltScreen != nil {
			r.rc.onAltScreen(ev.AltScreen)
		}
	case schema.ChannelSessionEnded:
		// A shell dying inside a sync bracket would strand its output.
		r.output.SetSyncEnabled(false)
		if r.rc.onExit != nil {
			r.rc.onExit(ev.ExitCode)
		}
	default:
		r.log.Warn("router ignored unknown host channel",
			"session", ev.SessionID, "channel", string(ev.Channel))
	}
}

// handleMark follows shell integration marks to lift executed commands
// into the timeline. The prompt length is measured when input starts;
// whatever the line has grown beyond it by execution time is the command.
func (r *router) handleMark(mark *schema.CommandMark) {
	if mark == nil {
		return
	}
	switch mark.Phase {
	case schema.CommandPromptStart:
		r.capturing = false
		r.command = ""
	case schema.CommandInputStart:
		r.promptLen = len(r.rc.engine.CurrentLine())
		r.capturing = true
	case schema.CommandExecStart:
		if !r.capturing {
			return
		}
		line := r.rc.engine.CurrentLine()
		if len(line) > r.promptLen {
			r.command = strings.TrimSpace(line[r.promptLen:])
		}
		r.capturing = false
	case schema.CommandFinished:
		if r.command == "" {
			return
		}
		r.emit(r.rc.timeline.AppendCommand(r.command, r.dir, mark.ExitCode, time.Now()))
		r.command = ""
	}
}

func (r *router) handleAgent(env schema.AgentEnvelope) {
	if env.SessionID != r.rc.session || r.aborted() {
		return
	}
	dec := r.gate.Admit(env.SessionID, env.Seq)
	if !dec.Accept {
		r.log.Debug("router dropped stale agent event",
			"session", env.SessionID, "got", dec.Got, "expected", dec.Expected)
		return
	}
	if dec.Gap {
		r.log.Warn("router agent sequence gap",
			"session", env.SessionID, "expected", dec.Expected, "got", dec.Got)
	}
	ev := env.Event
	if !ev.Type.Known() {
		r.log.Warn("router ignored unknown agent event",
			"session", env.SessionID, "type", string(ev.Type))
		return
	}
	now := env.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	switch ev.Type {
	case schema.AgentEventStarted:
		r.accum = ""
		r.coal.Cancel(r.rc.session)
		r.emit(r.rc.timeline.ApplyAgent(ev, now)...)
	case schema.AgentEventTextDelta:
		text := ev.Accumulated
		if text == "" {
			r.accum += ev.Delta
			text = r.accum
		} else {
			r.accum = text
		}
		r.coal.OnDelta(r.rc.session, text)
	case schema.AgentEventCompleted:
		r.coal.Flush(r.rc.session)
		r.emit(r.rc.timeline.ApplyAgent(ev, now)...)
		r.rc.usage.RecordTurn(r.rc.session, ev.TokensUsed, ev.DurationMs)
		r.accum = ""
	case schema.AgentEventError:
		r.coal.Flush(r.rc.session)
		r.emit(r.rc.timeline.ApplyAgent(ev, now)...)
		r.accum = ""
	default:
		r.emit(r.rc.timeline.ApplyAgent(ev, now)...)
	}
}

func (r *router) emit(events ...schema.TimelineEvent) {
	for _, ev := range events {
		ev.UserID = r.rc.userID
		r.rc.sink.OnTimelineEvent(ev)
	}
}
