package core

import (
	"sync"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

// coalescer rate-limits streaming text commits to one per display
// refresh interval per session. Deltas carry the full accumulated text,
// so collapsing intermediate values is lossless: the last value wins.
type coalescer struct {
	interval time.Duration
	commit   func(sessionID schema.SessionID, text string)
	mu       sync.Mutex
	pending  map[schema.SessionID]*pendingFlush
}

type pendingFlush struct {
	text  string
	timer *time.Timer
}

func newCoalescer(interval time.Duration, commit func(schema.SessionID, string)) *coalescer {
	if interval <= 0 {
		interval = schema.DefaultFrameInterval
	}
	return &coalescer{
		interval: interval,
		commit:   commit,
		pending:  make(map[schema.SessionID]*pendingFlush),
	}
}

// OnDelta stores the latest accumulated text for a session and schedules
// a flush if none is pending. Deltas arriving before the flush fires are
// folded into that same commit.
func (c *coalescer) OnDelta(sessionID schema.SessionID, accumulated string) {
	c.mu.Lock()
	if p, ok := c.pending[sessionID]; ok {
		p.text = accumulated
		c.mu.Unlock()
		return
	}
	p := &pendingFlush{text: accumulated}
	p.timer = time.AfterFunc(c.interval, func() {
		c.flush(sessionID)
	})
	c.pending[sessionID] = p
	c.mu.Unlock()
}

// Flush commits any pending text for a session immediately, bypassing
// the schedule. Used by turn-final events so trailing text is never
// lost to a timer that no longer gets to fire.
func (c *coalescer) Flush(sessionID schema.SessionID) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(c.pending, sessionID)
	text := p.text
	c.mu.Unlock()
	c.commit(sessionID, text)
}

// Cancel drops any pending flush for a session without committing.
func (c *coalescer) Cancel(sessionID schema.SessionID) {
	c.mu.Lock()
	if p, ok := c.pending[sessionID]; ok {
		p.timer.Stop()
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()
}

// CancelAll drops every pending flush. Used on service shutdown.
func (c *coalescer) CancelAll() {
	c.mu.Lock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// PendingCount reports sessions with a scheduled flush.
func (c *coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *coalescer) flush(sessionID schema.SessionID) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, sessionID)
	text := p.text
	c.mu.Unlock()
	c.commit(sessionID, text)
}
