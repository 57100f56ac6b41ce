package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/datapella/backend/internal/model/chat"
)

// Store is the ordered conversation history. Mutations must come from a
// single execution context; Snapshot and Get may be called from anywhere.
type Store struct {
	mu       sync.RWMutex
	messages []chat.Message
	index    map[string]int

	listeners   *listenerSet
	dispatching bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		messages:  make([]chat.Message, 0, 16),
		index:     make(map[string]int),
		listeners: newListenerSet(),
	}
}

// Append adds a message at the end of the sequence.
func (s *Store) Append(message chat.Message) (chat.Message, error) {
	if s.dispatching {
		return chat.Message{}, ErrReentrant
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if _, exists := s.index[message.ID]; exists {
		s.mu.Unlock()
		return chat.Message{}, fmt.Errorf("message %s already exists", message.ID)
	}
	s.index[message.ID] = len(s.messages)
	s.messages = append(s.messages, message.Clone())
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppended, Message: message.Clone()})
	return message, nil
}

// Update applies mutate to an open message. The message ID cannot change and
// complete or failed messages are frozen.
func (s *Store) Update(messageID string, mutate func(*chat.Message)) (chat.Message, error) {
	if s.dispatching {
		return chat.Message{}, ErrReentrant
	}

	s.mu.Lock()
	pos, ok := s.index[messageID]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	current := s.messages[pos]
	if !current.Status.Open() {
		s.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", ErrMessageFrozen, messageID)
	}

	updated := current.Clone()
	mutate(&updated)
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	s.messages[pos] = updated
	s.mu.Unlock()

	s.notify(Event{Kind: EventUpdated, Message: updated.Clone()})
	return updated, nil
}

// Get returns a copy of one message.
func (s *Store) Get(messageID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[messageID]
	if !ok {
		return chat.Message{}, false
	}
	return s.messages[pos].Clone(), true
}

// Snapshot returns a copy of the ordered sequence.
func (s *Store) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		copied[i] = m.Clone()
	}
	return copied
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Subscribe registers a listener invoked synchronously after every mutation.
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	return s.listeners.add(listener)
}

func (s *Store) notify(ev Event) {
	s.dispatching = true
	defer func() { s.dispatching = false }()
	s.listeners.emit(ev)
}
