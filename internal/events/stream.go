// Package events is the one-way feed of engine events for collaborators
// (UI, analytics, rewards). Publishing never blocks the engine.
package events

import (
	"sync"

	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
)

// Type tags an Event.
type Type string

const (
	TypeTransition         Type = "transition"
	TypeReconciliationLoss Type = "reconciliation_loss"
)

// Event carries exactly one of Transition or Loss.
type Event struct {
	Type       Type                       `json:"type"`
	Transition *models.TransitionEvent    `json:"transition,omitempty"`
	Loss       *models.ReconciliationLoss `json:"loss,omitempty"`
}

const defaultBuffer = 128

// Stream fans events out to subscribers. A subscriber that is not keeping
// up loses events rather than stalling the publisher.
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// PublishTransition announces an accepted session transition.
func (s *Stream) PublishTransition(e models.TransitionEvent) {
	s.publish(Event{Type: TypeTransition, Transition: &e})
}

// PublishLoss announces a discarded queued mutation.
func (s *Stream) PublishLoss(l models.ReconciliationLoss) {
	s.publish(Event{Type: TypeReconciliationLoss, Loss: &l})
}

func (s *Stream) publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			metrics.IncBusDrop("events")
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
