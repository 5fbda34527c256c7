// Package usage accumulates per-session turn and token totals from
// completed-turn events.
package usage

import (
	"sync"

	"github.com/qbit-ai/qbitsync/schema"
)

// Tracker aggregates usage rows per session. Rows are kept after a
// session closes so usage reports cover the whole service run, in
// session creation order.
type Tracker struct {
	mu    sync.Mutex
	order []schema.SessionID
	rows  map[schema.SessionID]*schema.SessionUsage
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rows: make(map[schema.SessionID]*schema.SessionUsage)}
}

// Observe ensures a row exists for the session and refreshes its title.
func (u *Tracker) Observe(sessionID schema.SessionID, title string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rowLocked(sessionID, title)
}

// RecordTurn adds one finished turn to the session's totals.
func (u *Tracker) RecordTurn(sessionID schema.SessionID, tokens int, durationMs int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	row := u.rowLocked(sessionID, "")
	row.Turns++
	row.TokensUsed += tokens
	row.DurationMs += durationMs
}

// Snapshot copies the accumulated rows and derives the overall totals.
func (u *Tracker) Snapshot() schema.UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	var snap schema.UsageSnapshot
	for _, id := range u.order {
		row := u.rows[id]
		snap.Sessions = append(snap.Sessions, *row)
		snap.TotalTurns += row.Turns
		snap.TotalTokens += row.TokensUsed
	}
	return snap
}

func (u *Tracker) rowLocked(sessionID schema.SessionID, title string) *schema.SessionUsage {
	row, ok := u.rows[sessionID]
	if !ok {
		row = &schema.SessionUsage{SessionID: sessionID}
		u.rows[sessionID] = row
		u.order = append(u.order, sessionID)
	}
	if title != "" {
		row.Title = title
	}
	return row
}
