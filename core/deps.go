package core

import "pkt.systems/pslog"

// ServiceDeps captures optional dependencies for the core service.
type ServiceDeps struct {
	Host        Host
	Agent       AgentRunner
	EventSink   EventSink
	Transcripts TranscriptStore
	Logger      pslog.Logger
}
