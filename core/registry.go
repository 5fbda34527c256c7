package core

import (
	"sync"

	"github.com/qbit-ai/qbitsync/schema"
)

const (
	minTermRows = 2
	minTermCols = 20
	maxTermRows = 300
	maxTermCols = 500
)

// fitHelper clamps measured view geometry to sane terminal bounds and
// remembers the last fit, so a reattaching view can restore the prior
// size before reporting its own measurement.
type fitHelper struct {
	mu   sync.Mutex
	last schema.TermSize
}

func newFitHelper() *fitHelper {
	return &fitHelper{last: schema.TermSize{Rows: 24, Cols: 80}}
}

// Fit clamps a measured geometry and records it as the last known fit.
// Unmeasurable input (zero or negative) returns the previous fit
// unchanged; the caller retries on the next resize event.
func (f *fitHelper) Fit(rows, cols int) (schema.TermSize, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rows <= 0 || cols <= 0 {
		return f.last, false
	}
	if rows < minTermRows {
		rows = minTermRows
	}
	if rows > maxTermRows {
		rows = maxTermRows
	}
	if cols < minTermCols {
		cols = minTermCols
	}
	if cols > maxTermCols {
		cols = maxTermCols
	}
	f.last = schema.TermSize{Rows: rows, Cols: cols}
	return f.last, true
}

// Last returns the most recent successful fit.
func (f *fitHelper) Last() schema.TermSize {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// terminalInstance ties a session to its long-lived engine, fit helper,
// and the view currently holding its rendered surface.
type terminalInstance struct {
	SessionID schema.SessionID
	Engine    *engine
	Fit       *fitHelper
	attached  schema.ViewID
}

// termRegistry guarantees at most one engine instance exists per
// session, independent of how often views attach, detach, or move.
// Engine lifetime is the session lifetime, never a view lifetime.
type termRegistry struct {
	mu      sync.Mutex
	records map[schema.SessionID]*terminalInstance
}

func newTermRegistry() *termRegistry {
	return &termRegistry{records: make(map[schema.SessionID]*terminalInstance)}
}

// Get looks up the record for a session. Pure lookup, no side effects.
func (r *termRegistry) Get(sessionID schema.SessionID) (*terminalInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	return rec, ok
}

// Register creates a record for a session. First writer wins: if a
// record already exists it is returned untouched and created is false.
func (r *termRegistry) Register(sessionID schema.SessionID, eng *engine, fit *fitHelper) (rec *terminalInstance, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[sessionID]; ok {
		return existing, false
	}
	if fit == nil {
		fit = newFitHelper()
	}
	rec = &terminalInstance{SessionID: sessionID, Engine: eng, Fit: fit}
	r.records[sessionID] = rec
	return rec, true
}

// AttachView moves the engine's rendered surface to the given view.
// A previous attachment is replaced, not duplicated: ownership
// transfers and the old owner is reported so it can stop rendering.
func (r *termRegistry) AttachView(sessionID schema.SessionID, view schema.ViewID) (*terminalInstance, schema.ViewID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return nil, "", schema.ErrSessionNotFound
	}
	prev := rec.attached
	rec.attached = view
	return rec, prev, nil
}

// Detach clears the attachment if the given view still owns it. A stale
// detach from a view that already lost ownership is a no-op, so a late
// disconnect cannot clobber a transfer that happened in between.
func (r *termRegistry) Detach(sessionID schema.SessionID, view schema.ViewID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return false
	}
	if rec.attached != view {
		return false
	}
	rec.attached = ""
	return true
}

// Attached reports which view currently owns the session's surface.
func (r *termRegistry) Attached(sessionID schema.SessionID) schema.ViewID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[sessionID]; ok {
		return rec.attached
	}
	return ""
}

// Dispose removes a session's record. Called only on session teardown,
// never on ordinary view churn.
func (r *termRegistry) Dispose(sessionID schema.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[sessionID]; !ok {
		return false
	}
	delete(r.records, sessionID)
	return true
}

// Count reports tracked sessions.
func (r *termRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
