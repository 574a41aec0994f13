package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory usage store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

func (s *MemoryStore) BySession(ctx context.Context, sessionID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &Totals{}
	for _, rec := range s.records {
		totals.InputTokens += rec.InputTokens
		totals.OutputTokens += rec.OutputTokens
		totals.Cost += rec.Cost
		totals.Turns++
	}
	return totals, nil
}

func (s *MemoryStore) Close() error { return nil }
