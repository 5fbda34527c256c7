package core

import (
	"sync"

	"github.com/qbit-ai/qbitsync/schema"
)

// seqDecision reports the outcome of one admission check.
type seqDecision struct {
	Accept bool
	// Gap is set when the accepted sequence skipped values. Expected is the
	// value the gate wanted next, Got the value it recorded instead.
	Gap      bool
	Expected uint64
	Got      uint64
}

// seqGate tracks the last accepted sequence number per session and
// admits or rejects inbound events. Events without a sequence number
// are always admitted and leave the counter untouched.
type seqGate struct {
	mu   sync.Mutex
	last map[schema.SessionID]uint64
}

func newSeqGate() *seqGate {
	return &seqGate{last: make(map[schema.SessionID]uint64)}
}

// Admit decides whether an event with the given sequence number may be
// applied. The first recorded sequence for a session is always accepted.
// A sequence at or below the last accepted one is rejected without
// mutating state. A sequence above it is accepted and recorded; skipped
// values are reported as a gap exactly once.
func (g *seqGate) Admit(sessionID schema.SessionID, seq *uint64) seqDecision {
	if seq == nil {
		return seqDecision{Accept: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last[sessionID]
	if !ok {
		g.last[sessionID] = *seq
		return seqDecision{Accept: true, Got: *seq}
	}
	if *seq <= last {
		return seqDecision{Got: *seq, Expected: last + 1}
	}
	g.last[sessionID] = *seq
	if *seq > last+1 {
		return seqDecision{Accept: true, Gap: true, Expected: last + 1, Got: *seq}
	}
	return seqDecision{Accept: true, Got: *seq}
}

// Reset forgets the counter for a session. Safe to call for sessions
// that were never tracked.
func (g *seqGate) Reset(sessionID schema.SessionID) {
	g.mu.Lock()
	delete(g.last, sessionID)
	g.mu.Unlock()
}

// ResetAll forgets all counters.
func (g *seqGate) ResetAll() {
	g.mu.Lock()
	g.last = make(map[schema.SessionID]uint64)
	g.mu.Unlock()
}

// Count reports how many sessions are currently tracked.
func (g *seqGate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// Last reports the last accepted sequence for a session, if any.
func (g *seqGate) Last(sessionID schema.SessionID) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last[sessionID]
	return last, ok
}
