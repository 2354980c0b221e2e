// Package notify fans session events out to the presentation layer and to in-process
// listeners. Delivery is ordered per subscriber and publishers never block.
package notify

import (
	"sync"
	"time"
)

// EventType names a session event.
type EventType string

const (
	// AuthSuccess means a valid credential is now available.
	AuthSuccess EventType = "auth-success"
	// Focus asks the presentation layer to bring its window forward.
	Focus EventType = "focus"
	// AuthRequired means interactive sign-in has been started.
	AuthRequired EventType = "auth-required"
)

// Event sources.
const (
	SourceDeepLink = "deeplink"
	SourceStartup  = "startup"
	SourceRefresh  = "refresh"
	SourceWatcher  = "watcher"
)

// Event is a single session notification.
type Event struct {
	Type   EventType `json:"type"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher accepts session events.
type Publisher interface {
	Publish(Event)
}

// Hub is an in-process broadcast point for session events.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Publish queues ev for every live subscriber. A zero At is stamped with the current time.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		sub.enqueue(ev)
	}
}

// Subscribe registers a new listener.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub:  h,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	go sub.pump()
	return sub
}

// Close detaches every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = map[*Subscription]struct{}{}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

// Subscription receives events in publish order.
type Subscription struct {
	hub  *Hub
	out  chan Event
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []Event
	once    sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
