// Package store provides event.Store and process.CheckpointStore
// implementations: an in-memory event store suitable for tests and local
// development, MongoDB and Redis-backed durable event stores, and a
// SQLite-backed checkpoint store. There is no in-memory checkpoint store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbusflow/reactor/event"
)

// MemoryEventStore implements event.Store in memory with no durability,
// indexing by event type and by metadata.correlationId the way a durable
// backend would. Events are stored and returned by value; their Payload and
// Metadata are not deep-copied and stay shared with the caller.
type MemoryEventStore struct {
	mu            sync.RWMutex
	byID          map[string]event.Event
	byType        map[string][]string // event type -> ordered event IDs
	byCorrelation map[string][]string // correlationId -> ordered event IDs
}

// NewMemoryEventStore constructs an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byID:          make(map[string]event.Event),
		byType:        make(map[string][]string),
		byCorrelation: make(map[string][]string),
	}
}

// StoreEvent records evt. Safe to call concurrently.
func (s *MemoryEventStore) StoreEvent(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[evt.ID] = evt
	s.byType[evt.Type] = append(s.byType[evt.Type], evt.ID)
	if cid := evt.CorrelationID(); cid != "" {
		s.byCorrelation[cid] = append(s.byCorrelation[cid], evt.ID)
	}
	return nil
}

// ByType returns every stored event of the given type, oldest first.
func (s *MemoryEventStore) ByType(_ context.Context, eventType string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byType[eventType]), nil
}

// ByCorrelationID returns every stored event sharing the given correlation
// id, oldest first.
func (s *MemoryEventStore) ByCorrelationID(_ context.Context, correlationID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byCorrelation[correlationID]), nil
}

// Between returns every stored event with Timestamp in [from, to], ordered
// by timestamp ascending.
func (s *MemoryEventStore) Between(_ context.Context, from, to time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, evt := range s.byID {
		if (evt.Timestamp.Equal(from) || evt.Timestamp.After(from)) && (evt.Timestamp.Equal(to) || evt.Timestamp.Before(to)) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryEventStore) collect(ids []string) []event.Event {
	out := make([]event.Event, 0, len(ids))
	for _, id := range ids {
		if evt, ok := s.byID[id]; ok {
			out = append(out, evt)
		}
	}
	return out
}
