// Package chat implements the client-side conversation engine: the
// in-memory message store, backward pagination, the live subscription
// feed, the optimistic send queue, typing signalling, and the timeline
// projection. A Room ties these together for one open conversation.
package chat

import (
	"sort"

	"murmur/internal/models"
)

// MessageStore holds one conversation's messages, ascending by timestamp,
// with O(1) lookup by identifier. It is a disposable projection of the
// backend record: the room owning it is the only writer.
type MessageStore struct {
	byID  map[string]*models.Message
	order []string
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]*models.Message)}
}

// Len returns the number of messages held.
func (s *MessageStore) Len() int {
	return len(s.order)
}

// Insert adds the message at its timestamp position, tolerating
// out-of-order arrival. A message whose id is already present is dropped;
// Insert reports whether the store changed.
func (s *MessageStore) Insert(m models.Message) bool {
	if _, dup := s.byID[m.ID]; dup {
		return false
	}
	cp := m
	s.byID[m.ID] = &cp

	// Position after any existing message with an equal timestamp so
	// same-millisecond arrivals keep delivery order.
	i := sort.Search(len(s.order), func(i int) bool {
		return s.byID[s.order[i]].Timestamp > m.Timestamp
	})
	s.order = append(s.order, "")
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m.ID
	return true
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (models.Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// Has reports whether a message with the given id is present.
func (s *MessageStore) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Apply mutates the message with the given id in place.
func (s *MessageStore) Apply(id string, fn func(*models.Message)) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(m)
	return true
}

// SwapID replaces oldID with newID without moving the message: the
// confirmed copy of an optimistic send keeps its list position. fn, if
// non-nil, mutates the record under its new identity.
func (s *MessageStore) SwapID(oldID, newID string, fn func(*models.Message)) bool {
	m, ok := s.byID[oldID]
	if !ok {
		return false
	}
	if _, taken := s.byID[newID]; taken && newID != oldID {
		return false
	}
	delete(s.byID, oldID)
	m.ID = newID
	s.byID[newID] = m
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
	if fn != nil {
		fn(m)
	}
	return true
}

// OldestTimestamp returns the lowest timestamp held.
func (s *MessageStore) OldestTimestamp() (int64, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	return s.byID[s.order[0]].Timestamp, true
}

// NewestTimestamp returns the highest timestamp held.
func (s *MessageStore) NewestTimestamp() (int64, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	return s.byID[s.order[len(s.order)-1]].Timestamp, true
}

// Snapshot returns the messages ascending by timestamp. The slice and its
// elements are copies; callers may keep them across further mutation.
func (s *MessageStore) Snapshot() []models.Message {
	out := make([]models.Message, len(s.order))
	for i, id := range s.order {
		out[i] = *s.byID[id]
	}
	return out
}
