package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a simple in-memory call log useful for tests and local runs.
// It is not intended for production use.

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry // keyed by ID
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		clock:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, e Entry) (Entry, error) {
	if e.CallSID == "" {
		return Entry{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusRinging
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	s.entries[e.ID] = e
	return e, nil
}

func (s *MemoryStore) GetByCallSID(ctx context.Context, callSID string) (Entry, bool, error) {
	if callSID == "" {
		return Entry{}, false, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.CallSID == callSID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, upd Update) error {
	if id == "" {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}

	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		e.StartedAt = *upd.StartedAt
	}
	if upd.EndedAt != nil {
		e.EndedAt = upd.EndedAt
	}
	if upd.DurationSeconds != nil {
		e.DurationSeconds = *upd.DurationSeconds
	}
	e.UpdatedAt = s.clock().UTC()

	s.entries[id] = e
	return nil
}
