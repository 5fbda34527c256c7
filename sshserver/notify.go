package sshserver

import (
	"context"
	"sync"

	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

// viewEventKind discriminates notifier deliveries.
type viewEventKind int

const (
	viewEventOutput viewEventKind = iota
	viewEventTimeline
	viewEventSession
)

// viewEvent carries one core event to a connected terminal view. Output
// events keep the raw terminal bytes so passthrough mode can relay them
// without re-encoding.
type viewEvent struct {
	kind      viewEventKind
	sessionID schema.SessionID
	data      []byte
	timeline  schema.TimelineEvent
	session   schema.SessionEvent
}

const viewEventDepth = 256

// Notifier fans core events out to connected SSH views. It implements
// core.EventSink; each view subscribes with its user ID and receives only
// that user's events. A stalled view drops events instead of blocking the
// core, and reconciles through its periodic state refresh.
type Notifier struct {
	mu     sync.Mutex
	subs   map[schema.UserID]map[int]chan viewEvent
	nextID int
}

// NewNotifier returns a Notifier ready for subscriptions.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[schema.UserID]map[int]chan viewEvent)}
}

// OnOutput implements core.EventSink.
func (n *Notifier) OnOutput(event schema.OutputEvent) {
	n.publish(event.UserID, viewEvent{
		kind:      viewEventOutput,
		sessionID: event.SessionID,
		data:      event.Data,
	})
}

// OnTimelineEvent implements core.EventSink.
func (n *Notifier) OnTimelineEvent(event schema.TimelineEvent) {
	n.publish(event.UserID, viewEvent{
		kind:      viewEventTimeline,
		sessionID: event.SessionID,
		timeline:  event,
	})
}

// OnSessionEvent implements core.EventSink.
func (n *Notifier) OnSessionEvent(event schema.SessionEvent) {
	n.publish(event.UserID, viewEvent{
		kind:      viewEventSession,
		sessionID: event.Session.ID,
		session:   event,
	})
}

// subscribe registers a view for one user's events. The returned cancel
// func unregisters and closes the channel.
func (n *Notifier) subscribe(userID schema.UserID) (<-chan viewEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	views := n.subs[userID]
	if views == nil {
		views = make(map[int]chan viewEvent)
		n.subs[userID] = views
	}
	id := n.nextID
	n.nextID++
	ch := make(chan viewEvent, viewEventDepth)
	views[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		views, ok := n.subs[userID]
		if !ok {
			return
		}
		if _, ok := views[id]; !ok {
			return
		}
		delete(views, id)
		if len(views) == 0 {
			delete(n.subs, userID)
		}
		close(ch)
	}
	return ch, cancel
}

func (n *Notifier) publish(userID schema.UserID, event viewEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[userID] {
		select {
		case ch <- event:
		default:
			logx.WithUser(context.Background(), userID).Warn("ssh view event dropped",
				"kind", int(event.kind), "session", event.sessionID)
		}
	}
}
