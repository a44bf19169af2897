package waku

import "sync"

type PrivateMessage struct {
	ID        string
	SenderID  string
	Recipient string
	Payload   []byte
}

// messageBus is the in-process transport used by the mock backend. Each
// recipient gets its own ordered queue; messages published before the
// recipient subscribes wait in its mailbox.
type messageBus struct {
	mu          sync.Mutex
	subscribers map[string]*busSubscriber
	mailbox     map[string][]PrivateMessage
}

type busSubscriber struct {
	handler func(PrivateMessage)
	mu      sync.Mutex
	pending []PrivateMessage
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{
		subscribers: make(map[string]*busSubscriber),
		mailbox:     make(map[string][]PrivateMessage),
	}
}

func (b *messageBus) publish(msg PrivateMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[msg.Recipient]; ok {
		sub.push(msg)
		return
	}
	b.mailbox[msg.Recipient] = append(b.mailbox[msg.Recipient], msg)
}

func (b *messageBus) subscribe(recipient string, handler func(PrivateMessage)) {
	sub := &busSubscriber{
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.subscribers[recipient]; ok {
		prev.close()
	}
	sub.pending = append(sub.pending, b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.subscribers[recipient] = sub
	b.mu.Unlock()

	go sub.run()
	sub.signal()
}

func (b *messageBus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[recipient]; ok {
		sub.close()
		delete(b.subscribers, recipient)
	}
}

func (s *busSubscriber) push(msg PrivateMessage) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.signal()
}

func (s *busSubscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSubscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *busSubscriber) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.handler(msg)
		}
	}
}
