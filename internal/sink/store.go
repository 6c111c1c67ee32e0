package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ObjectStore is the destination of published artifacts. Put must either
// store the whole body under key or nothing; Promote moves a staged object to
// its final key so that the final key only ever holds complete objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
	Promote(ctx context.Context, stagingKey, finalKey string) error
	Delete(ctx context.Context, key string) error
	URI(key string) string
}

// LocalStore publishes artifacts below a directory. Promote is os.Rename, so
// staged and final keys must live on the same filesystem.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, body []byte, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *LocalStore) Promote(ctx context.Context, stagingKey, finalKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	final := s.path(finalKey)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return err
	}
	return os.Rename(s.path(stagingKey), final)
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) URI(key string) string {
	return "file://" + s.path(key)
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
