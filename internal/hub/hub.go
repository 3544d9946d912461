// Package hub fans out domain events to live subscriber sessions with
// per-ride topic routing. Delivery is at-least-once per connected session;
// there is no replay, reconnecting clients reconcile by re-fetching state.
package hub

import (
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

type Event struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// Session is one subscriber connection. Events are queued on a bounded
// channel; the transport drains Events() from its own writer goroutine so
// a slow peer never blocks the publisher.
type Session struct {
	hub    *Hub
	out    chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	topics map[string]struct{}
}

// Events is the delivery queue the transport drains.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed when the session has been dropped or closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close detaches the session from every topic. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		topics := make([]string, 0, len(s.topics))
		for t := range s.topics {
			topics = append(topics, t)
		}
		s.topics = nil
		s.mu.Unlock()
		for _, t := range topics {
			s.hub.detach(s, t)
		}
		close(s.done)
	})
}

type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Session]struct{}
	bufSize int
}

func New(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{topics: make(map[string]map[*Session]struct{}), bufSize: bufSize}
}

func (h *Hub) NewSession() *Session {
	return &Session{
		hub:    h,
		out:    make(chan Event, h.bufSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

// Subscribe binds the session to a topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(s *Session, topic string) {
	s.mu.Lock()
	if s.topics == nil {
		s.mu.Unlock()
		return // already closed
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Session]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
}

// Unsubscribe removes the binding. Unsubscribing when not subscribed is a
// no-op.
func (h *Hub) Unsubscribe(s *Session, topic string) {
	s.mu.Lock()
	if s.topics != nil {
		delete(s.topics, topic)
	}
	s.mu.Unlock()
	h.detach(s, topic)
}

// Publish delivers the event to every currently-subscribed session. A
// session whose queue is full is dropped rather than stalling delivery to
// the others.
func (h *Hub) Publish(topic, eventType string, data any) {
	ev := Event{Topic: topic, Type: eventType, Data: data}

	h.mu.RLock()
	set := h.topics[topic]
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	observability.HubEventsPublished.Inc()
	for _, s := range targets {
		select {
		case s.out <- ev:
		default:
			observability.HubSlowDrops.Inc()
			s.Close()
		}
	}
}

// SubscriberCount reports how many sessions are bound to a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) detach(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
}
