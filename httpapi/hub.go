package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

// StreamEvent is sent to SSE clients. Data carries raw terminal bytes
// and marshals as base64. Seq is per user and monotonic, so clients can
// resume with Last-Event-ID after a reconnect.
type StreamEvent struct {
	Seq           uint64                   `json:"seq"`
	Type          string                   `json:"type"`
	SessionID     schema.SessionID         `json:"session_id,omitempty"`
	Data          []byte                   `json:"data,omitempty"`
	TimelineType  schema.TimelineEventType `json:"timeline_event,omitempty"`
	Block         *schema.RenderBlock      `json:"block,omitempty"`
	StreamingText string                   `json:"streaming_text,omitempty"`
	Phase         schema.TurnPhase         `json:"phase,omitempty"`
	SessionEvent  schema.SessionEventType  `json:"session_event,omitempty"`
	Session       *schema.SessionSnapshot  `json:"session,omitempty"`
	Snapshot      *SnapshotPayload         `json:"snapshot,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Sessions  []schema.SessionSnapshot                     `json:"sessions"`
	Buffers   map[schema.SessionID]schema.BufferSnapshot   `json:"buffers"`
	Timelines map[schema.SessionID]schema.TimelineSnapshot `json:"timelines"`
	Theme     schema.ThemeName                             `json:"theme,omitempty"`
}

// Hub fans service events out to SSE subscribers per user, keeping a
// bounded replay history.
type Hub struct {
	mu          sync.Mutex
	users       map[schema.UserID]*userHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		users:       make(map[schema.UserID]*userHub),
		historySize: historySize,
	}
}

// OnOutput implements core.EventSink.
func (h *Hub) OnOutput(event schema.OutputEvent) {
	log := logx.WithUserSession(context.Background(), event.UserID, event.SessionID)
	log.Trace("hub output event", "bytes", len(event.Data))
	h.publish(event.UserID, StreamEvent{
		Type:      "output",
		SessionID: event.SessionID,
		Data:      event.Data,
		Timestamp: time.Now(),
	})
}

// OnTimelineEvent implements core.EventSink.
func (h *Hub) OnTimelineEvent(event schema.TimelineEvent) {
	log := logx.WithUserSession(context.Background(), event.UserID, event.SessionID)
	log.Trace("hub timeline event", "type", event.Type)
	h.publish(event.UserID, StreamEvent{
		Type:          "timeline",
		SessionID:     event.SessionID,
		TimelineType:  event.Type,
		Block:         event.Block,
		StreamingText: event.StreamingText,
		Phase:         event.Phase,
		Timestamp:     time.Now(),
	})
}

// OnSessionEvent implements core.EventSink.
func (h *Hub) OnSessionEvent(event schema.SessionEvent) {
	log := logx.WithUserSession(context.Background(), event.UserID, event.Session.ID)
	log.Trace("hub session event", "type", event.Type)
	session := event.Session
	h.publish(event.UserID, StreamEvent{
		Type:         "session",
		SessionID:    session.ID,
		SessionEvent: event.Type,
		Session:      &session,
		Timestamp:    time.Now(),
	})
}

// Subscribe registers a subscriber for a user. The returned seq is the
// last published sequence at subscription time.
func (h *Hub) Subscribe(userID schema.UserID) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.getOrCreateUserHubLocked(userID)
	ch := make(chan StreamEvent, 256)
	uh.subs[ch] = struct{}{}
	seq := uh.seq
	log := logx.WithUser(context.Background(), userID)
	log.Info("hub subscribe", "subs", len(uh.subs), "seq", seq)
	unsub := func() {
		h.mu.Lock()
		delete(uh.subs, ch)
		close(ch)
		remaining := len(uh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq
}

// Replay returns buffered events with sequence above after, in order. The
// second return reports whether the ring still covers everything after the
// given sequence; when false the caller must resync from a snapshot instead.
func (h *Hub) Replay(userID schema.UserID, after uint64) ([]StreamEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.users[userID]
	if uh == nil {
		return nil, after == 0
	}
	if after > uh.seq {
		return nil, false
	}
	complete := after == uh.seq || (len(uh.history) > 0 && uh.history[0].Seq <= after+1)
	events := make([]StreamEvent, 0, len(uh.history))
	for _, event := range uh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithUser(context.Background(), userID).Debug("hub replay", "after", after, "count", len(events), "complete", complete)
	return events, complete
}

func (h *Hub) publish(userID schema.UserID, event StreamEvent) {
	h.mu.Lock()
	uh := h.getOrCreateUserHubLocked(userID)
	uh.seq++
	event.Seq = uh.seq
	uh.history = append(uh.history, event)
	if len(uh.history) > h.historySize {
		uh.history = uh.history[len(uh.history)-h.historySize:]
	}
	subs := make([]chan StreamEvent, 0, len(uh.subs))
	for sub := range uh.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logx.WithUser(context.Background(), userID).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateUserHubLocked(userID schema.UserID) *userHub {
	uh := h.users[userID]
	if uh == nil {
		uh = &userHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.users[userID] = uh
	}
	return uh
}

type userHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
