package core

import (
	"context"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

// session tracks the state of a single shell session.
type session struct {
	ID         schema.SessionID
	UserID     schema.UserID
	Title      string
	WorkingDir string
	StartedAt  time.Time
	EndedAt    time.Time
	ExitCode   *int

	host       HostHandle
	hostCancel context.CancelFunc
	router     *router
	term       *terminalInstance
	timeline   *timeline

	turn       TurnHandle
	turnCancel context.CancelFunc
}

// Snapshot returns a transport-friendly view of the session.
func (s *session) Snapshot(attached schema.ViewID) schema.SessionSnapshot {
	snap := schema.SessionSnapshot{
		ID:         s.ID,
		Title:      s.Title,
		WorkingDir: s.WorkingDir,
		Attached:   attached,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		ExitCode:   s.ExitCode,
	}
	if s.timeline != nil {
		snap.Phase = s.timeline.Phase()
		snap.TurnID = s.timeline.TurnID()
		snap.Blocks = s.timeline.BlockCount()
	}
	if s.term != nil && s.term.Engine != nil {
		snap.AltScreen = s.term.Engine.AltScreen()
		snap.Size = s.term.Engine.Size()
	}
	return snap
}
