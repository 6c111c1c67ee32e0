package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
)

// MemoryStore is a process-local Store. Values are kept in their persisted
// string form so tests can plant corrupt records with SetRaw.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]string
	defaultEpoch time.Time
}

func NewMemoryStore(defaultEpoch time.Time) *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]string),
		defaultEpoch: defaultEpoch.UTC(),
	}
}

func (s *MemoryStore) Get(_ context.Context, table string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, _, err := s.lookup(table)
	return checkpoint, err
}

func (s *MemoryStore) Set(_ context.Context, table string, checkpoint time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists, err := s.lookup(table)
	if err != nil {
		return err
	}
	if err := advance(table, current, exists, checkpoint); err != nil {
		return err
	}
	s.entries[table] = Format(checkpoint)
	return nil
}

func (s *MemoryStore) Entries(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, table string, checkpoint time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpoint.IsZero() {
		delete(s.entries, table)
		return nil
	}
	s.entries[table] = Format(checkpoint)
	return nil
}

// SetRaw stores value verbatim.
func (s *MemoryStore) SetRaw(table, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[table] = value
}

func (s *MemoryStore) lookup(table string) (time.Time, bool, error) {
	raw, ok := s.entries[table]
	if !ok {
		return s.defaultEpoch, false, nil
	}
	checkpoint, err := Parse(raw)
	if err != nil {
		return time.Time{}, false, cdc.NewStateCorruptionError(table, err)
	}
	return checkpoint, true, nil
}
