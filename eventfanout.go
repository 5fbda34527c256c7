package qbitsync

import (
	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

func (f eventFanout) OnTimelineEvent(event schema.TimelineEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTimelineEvent(event)
	}
}

func (f eventFanout) OnSessionEvent(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionEvent(event)
	}
}
