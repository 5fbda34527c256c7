package eventbus

import (
	"context"
	"sync"

	"github.com/qbit-ai/qbitsync/schema"
	"pkt.systems/pslog"
)

// Bus fans inbound host and agent events out to session routers. Every
// subscriber sees every event regardless of session; routers filter by
// session id on their side. Publishing never blocks: a subscriber that
// falls behind its channel depth loses events, which is logged.
type Bus struct {
	mu        sync.Mutex
	hostSubs  map[chan schema.HostEvent]struct{}
	agentSubs map[chan schema.AgentEnvelope]struct{}
	log       pslog.Logger
	depth     int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		hostSubs:  make(map[chan schema.HostEvent]struct{}),
		agentSubs: make(map[chan schema.AgentEnvelope]struct{}),
		log:       logger,
		depth:     256,
	}
}

// SubscribeHost registers a host event subscriber and returns a channel
// plus cancel. The channel is never closed; consumers stop on their own
// signal and the cancel just stops delivery.
func (b *Bus) SubscribeHost() (<-chan schema.HostEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.HostEvent, b.depth)
	b.mu.Lock()
	b.hostSubs[ch] = struct{}{}
	count := len(b.hostSubs)
	b.mu.Unlock()
	b.log.Debug("eventbus host subscribe", "subs", count)
	return ch, func() {
		b.mu.Lock()
		delete(b.hostSubs, ch)
		b.mu.Unlock()
		b.log.Debug("eventbus host unsubscribe")
	}
}

// SubscribeAgent registers an agent envelope subscriber and returns a
// channel plus cancel.
func (b *Bus) SubscribeAgent() (<-chan schema.AgentEnvelope, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.AgentEnvelope, b.depth)
	b.mu.Lock()
	b.agentSubs[ch] = struct{}{}
	count := len(b.agentSubs)
	b.mu.Unlock()
	b.log.Debug("eventbus agent subscribe", "subs", count)
	return ch, func() {
		b.mu.Lock()
		delete(b.agentSubs, ch)
		b.mu.Unlock()
		b.log.Debug("eventbus agent unsubscribe")
	}
}

// PublishHost delivers a host event to all host subscribers.
func (b *Bus) PublishHost(event schema.HostEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan schema.HostEvent, 0, len(b.hostSubs))
	for sub := range b.hostSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("session", event.SessionID).Trace("eventbus host dropped", "count", dropped)
	}
}

// PublishAgent delivers an agent envelope to all agent subscribers.
func (b *Bus) PublishAgent(env schema.AgentEnvelope) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan schema.AgentEnvelope, 0, len(b.agentSubs))
	for sub := range b.agentSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- env:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("session", env.SessionID).Trace("eventbus agent dropped", "count", dropped)
	}
}

// HostSubscribers reports active host subscribers.
func (b *Bus) HostSubscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hostSubs)
}

// AgentSubscribers reports active agent subscribers.
func (b *Bus) AgentSubscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.agentSubs)
}
