package chat

import (
	"sync"

	"github.com/zhouzirui/datapella/backend/internal/model/chat"
)

// EventKind says what changed.
type EventKind string

const (
	EventAppended   EventKind = "appended"
	EventUpdated    EventKind = "updated"
	EventConnection EventKind = "connection"
)

// Event is delivered to listeners after every change. Message is set for
// appended/updated events, State for connection events.
type Event struct {
	Kind    EventKind            `json:"kind"`
	Message chat.Message         `json:"message,omitempty"`
	State   chat.ConnectionState `json:"state,omitempty"`
}

// Listener observes session changes. It runs on the session's execution
// context and must return quickly.
type Listener func(Event)

type listenerSet struct {
	mu    sync.Mutex
	next  int
	ids   []int
	items map[int]Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{items: make(map[int]Listener)}
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.ids = append(s.ids, id)
	s.items[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

// current returns listeners in subscription order.
func (s *listenerSet) current() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.items[id])
	}
	return out
}

func (s *listenerSet) emit(ev Event) {
	for _, l := range s.current() {
		l(ev)
	}
}
