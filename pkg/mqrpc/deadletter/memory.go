package deadletter

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
	maxSize int
	closed  bool
}

// DefaultMaxSize bounds a MemoryStore created with maxSize <= 0.
const DefaultMaxSize = 10000

// NewMemoryStore creates an in-memory store holding at most maxSize records.
// When full, the oldest record is evicted.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		records: make(map[uuid.UUID]Record),
		maxSize: maxSize,
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, exists := s.records[rec.ID]; !exists && len(s.records) >= s.maxSize {
		s.evictOldestLocked()
	}
	rec.Payload = slices.Clone(rec.Payload)
	rec.Headers = maps.Clone(rec.Headers)
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) evictOldestLocked() {
	var (
		oldest Record
		found  bool
	)
	for _, r := range s.records {
		if !found || r.FailedAt.Before(oldest.FailedAt) {
			oldest, found = r, true
		}
	}
	if found {
		delete(s.records, oldest.ID)
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, destination string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if destination == "" || r.Destination == destination {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return a.FailedAt.Compare(b.FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, id)
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.records), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
