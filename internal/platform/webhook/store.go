package webhook

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EventStore persists delivery attempts. Events are never updated.
type EventStore interface {
	Record(ctx context.Context, event *Event) error
	// List returns events oldest first; an empty recordID matches all.
	List(ctx context.Context, recordID string, limit, offset int) ([]*Event, int, error)
	// CountByAnchor returns how many events of eventType exist for an anchor.
	CountByAnchor(ctx context.Context, anchorID uuid.UUID, eventType EventType) (int, error)
}

// InMemoryEventStore is a thread-safe, in-memory implementation of EventStore.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewInMemoryEventStore creates a new empty in-memory store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{}
}

func (s *InMemoryEventStore) Record(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *InMemoryEventStore) List(_ context.Context, recordID string, limit, offset int) ([]*Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Event
	for _, e := range s.events {
		if recordID == "" || e.RecordID == recordID {
			filtered = append(filtered, e)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Event{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *InMemoryEventStore) CountByAnchor(_ context.Context, anchorID uuid.UUID, eventType EventType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.AnchorID != nil && *e.AnchorID == anchorID && e.EventType == eventType {
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every recorded event.
func (s *InMemoryEventStore) All() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
