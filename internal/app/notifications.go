package app

import (
	"sync"
	"time"

	"trust-triangle/go-backend/internal/domains/contracts"
)

const (
	NotifyAcceptEvent        = "node.accept_event"
	NotifyConnectEvent       = "node.connect_event"
	NotifyConnectionsChanged = "node.connections_changed"
)

// NotificationHub numbers every published event and keeps the last limit of
// them so a reconnecting subscriber can resume from a cursor. A subscriber
// whose buffer is full is dropped and its channel closed.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []contracts.NotificationEvent
	subs    map[int]chan contracts.NotificationEvent
	nextSub int
	now     func() time.Time
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan contracts.NotificationEvent),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (h *NotificationHub) Publish(method string, payload any) contracts.NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := contracts.NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: h.now(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]contracts.NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the retained events after fromSeq and a live channel.
// The returned func cancels the subscription and may be called twice.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]contracts.NotificationEvent, <-chan contracts.NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]contracts.NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan contracts.NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
