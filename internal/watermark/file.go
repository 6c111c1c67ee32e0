package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
)

// FileStore keeps all checkpoints in one indented JSON object, e.g.
//
//	{
//	    "fact_sales": "2025-01-02 10:00:00"
//	}
//
// Writes go to a temporary file in the same directory which is then renamed
// over the state file, so readers see either the old or the new content.
type FileStore struct {
	mu           sync.Mutex
	path         string
	defaultEpoch time.Time
}

func NewFileStore(path string, defaultEpoch time.Time) *FileStore {
	return &FileStore{path: path, defaultEpoch: defaultEpoch.UTC()}
}

func (s *FileStore) Get(_ context.Context, table string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read(table)
	if err != nil {
		return time.Time{}, err
	}
	checkpoint, _, err := s.lookup(state, table)
	return checkpoint, err
}

func (s *FileStore) Set(_ context.Context, table string, checkpoint time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read(table)
	if err != nil {
		return err
	}
	current, exists, err := s.lookup(state, table)
	if err != nil {
		return err
	}
	if err := advance(table, current, exists, checkpoint); err != nil {
		return err
	}

	state[table] = Format(checkpoint)
	return s.write(state)
}

func (s *FileStore) Entries(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read("*")
}

func (s *FileStore) Reset(_ context.Context, table string, checkpoint time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read(table)
	if err != nil {
		return err
	}
	if checkpoint.IsZero() {
		delete(state, table)
	} else {
		state[table] = Format(checkpoint)
	}
	return s.write(state)
}

// read loads the whole state file. A missing file is an empty state; a file
// that is not a JSON object of strings is corrupt.
func (s *FileStore) read(table string) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	state := make(map[string]string)
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, cdc.NewStateCorruptionError(table, fmt.Errorf("decode %s: %w", s.path, err))
	}
	return state, nil
}

func (s *FileStore) lookup(state map[string]string, table string) (time.Time, bool, error) {
	raw, ok := state[table]
	if !ok {
		return s.defaultEpoch, false, nil
	}
	checkpoint, err := Parse(raw)
	if err != nil {
		return time.Time{}, false, cdc.NewStateCorruptionError(table, err)
	}
	return checkpoint, true, nil
}

func (s *FileStore) write(state map[string]string) error {
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
