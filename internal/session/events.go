package session

import (
	"encoding/json"
	"log/slog"
	"sync"

	"trust-triangle/go-backend/internal/protocol"
)

type AcceptEventType string

const (
	AcceptAccepted        AcceptEventType = "accepted"
	AcceptMessageReceived AcceptEventType = "messageReceived"
	AcceptResponseSent    AcceptEventType = "responseSent"
	AcceptClosed          AcceptEventType = "closed"
)

// AcceptEvent describes one step of an inbound exchange.
type AcceptEvent struct {
	Type      AcceptEventType
	NodeID    string
	Message   protocol.Message
	BytesSent int
	Error     string
}

func (e AcceptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      AcceptEventType  `json:"type"`
		NodeID    string           `json:"nodeId"`
		Message   protocol.Message `json:"message,omitempty"`
		BytesSent int              `json:"bytesSent,omitempty"`
		Error     string           `json:"error,omitempty"`
	}{e.Type, e.NodeID, e.Message, e.BytesSent, e.Error})
}

type ConnectEventType string

const (
	ConnectConnected        ConnectEventType = "connected"
	ConnectMessageSent      ConnectEventType = "messageSent"
	ConnectResponseReceived ConnectEventType = "responseReceived"
	ConnectClosed           ConnectEventType = "closed"
)

// ConnectEvent describes one step of an outbound exchange started by Connect.
type ConnectEvent struct {
	Type          ConnectEventType
	NodeID        string
	Message       protocol.Message
	BytesSent     int
	BytesReceived int
	Error         string
}

func (e ConnectEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          ConnectEventType `json:"type"`
		NodeID        string           `json:"nodeId"`
		Message       protocol.Message `json:"message,omitempty"`
		BytesSent     int              `json:"bytesSent,omitempty"`
		BytesReceived int              `json:"bytesReceived,omitempty"`
		Error         string           `json:"error,omitempty"`
	}{e.Type, e.NodeID, e.Message, e.BytesSent, e.BytesReceived, e.Error})
}

// subscriberList fans events out to callbacks in subscription order. A
// panicking callback is logged and the remaining callbacks still run.
type subscriberList[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
	logger *slog.Logger
	name   string
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func newSubscriberList[T any](name string, logger *slog.Logger) *subscriberList[T] {
	return &subscriberList[T]{name: name, logger: logger}
}

// add registers fn and returns a func that removes it.
func (l *subscriberList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscriber[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *subscriberList[T]) publish(ev T) {
	l.mu.Lock()
	subs := append([]subscriber[T](nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		l.deliver(s, ev)
	}
}

func (l *subscriberList[T]) deliver(s subscriber[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panicked", "subscription", l.name, "panic", r)
		}
	}()
	s.fn(ev)
}

func (l *subscriberList[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
