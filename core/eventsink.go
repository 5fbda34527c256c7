package core

import "github.com/qbit-ai/qbitsync/schema"

// EventSink receives output, timeline, and session events from the core
// service. Implementations must be safe for concurrent use; events for a
// single session arrive in order, events for different sessions do not.
type EventSink interface {
	OnOutput(event schema.OutputEvent)
	OnTimelineEvent(event schema.TimelineEvent)
	OnSessionEvent(event schema.SessionEvent)
}

// nopSink stands in when no sink is configured.
type nopSink struct{}

func (nopSink) OnOutput(schema.OutputEvent)          {}
func (nopSink) OnTimelineEvent(schema.TimelineEvent) {}
func (nopSink) OnSessionEvent(schema.SessionEvent)   {}
