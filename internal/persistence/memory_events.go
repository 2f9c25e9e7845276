package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianpay/saga/pkg/api"
)

// InMemoryEventStore is an append-only in-memory EventStore. Like the
// instance store it exists for tests and local development.
type InMemoryEventStore struct {
	mu      sync.RWMutex
	streams map[string][]api.Event
}

// NewInMemoryEventStore creates a new InMemoryEventStore.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{streams: make(map[string][]api.Event)}
}

var _ EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[instanceID]
	last := int64(len(stream))
	if last != expectedLastSeq {
		return 0, api.ErrSequenceConflict
	}

	ev.InstanceID = instanceID
	ev.Sequence = last + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.streams[instanceID] = append(stream, ev)
	return ev.Sequence, nil
}

func (s *InMemoryEventStore) Read(ctx context.Context, instanceID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[instanceID]
	out := make([]api.Event, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *InMemoryEventStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.streams[instanceID])), nil
}
