package pipeline

import (
	"context"
	"sync"

	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

// Subscription is a handle on a session event feed.
type Subscription interface {
	Unsubscribe() error
}

// EventStream carries staged events from the pipeline to whoever listens on
// the session: the gateway socket, the event store, external consumers.
type EventStream interface {
	PublishEvent(ctx context.Context, event protocol.Event) error
	SubscribeSession(sessionID string, handler func(protocol.Event)) (Subscription, error)
}

// MemoryStream is an in-process EventStream. Handlers run synchronously on
// the publishing goroutine.
type MemoryStream struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(protocol.Event)
}

// NewMemoryStream creates an empty in-process stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{subs: make(map[string]map[int]func(protocol.Event))}
}

func (m *MemoryStream) PublishEvent(ctx context.Context, event protocol.Event) error {
	m.mu.RLock()
	handlers := make([]func(protocol.Event), 0, len(m.subs[event.SessionID]))
	for _, h := range m.subs[event.SessionID] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MemoryStream) SubscribeSession(sessionID string, handler func(protocol.Event)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[int]func(protocol.Event))
	}
	id := m.nextID
	m.nextID++
	m.subs[sessionID][id] = handler
	return &memorySubscription{stream: m, sessionID: sessionID, id: id}, nil
}

type memorySubscription struct {
	stream    *MemoryStream
	sessionID string
	id        int
}

func (s *memorySubscription) Unsubscribe() error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if handlers := s.stream.subs[s.sessionID]; handlers != nil {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.stream.subs, s.sessionID)
		}
	}
	return nil
}
