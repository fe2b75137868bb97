package tripstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process trip store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TripRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TripRecord)}
}

func (s *InMemoryStore) SaveTrip(_ context.Context, record TripRecord) (TripRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.ClientKey] = append(s.records[record.ClientKey], record)
	return record, nil
}

func (s *InMemoryStore) LatestTrip(_ context.Context, clientKey string) (TripRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[clientKey]
	if len(arr) == 0 {
		return TripRecord{}, false, nil
	}
	return arr[len(arr)-1], true, nil
}

func (s *InMemoryStore) RecentTrips(_ context.Context, clientKey string, limit int) ([]TripRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[clientKey]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TripRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
