package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
	bolt "go.etcd.io/bbolt"
)

var WatermarkBucket = []byte("watermarks")

// BoltStore keeps one key per table in a bbolt file. Values are checkpoint
// strings in TimeLayout.
type BoltStore struct {
	db           *bolt.DB
	defaultEpoch time.Time
}

func NewBoltStore(path string, defaultEpoch time.Time) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
			return nil, cdc.NewStateCorruptionError("*", err)
		}
		return nil, fmt.Errorf("failed to open watermark database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(WatermarkBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, defaultEpoch: defaultEpoch.UTC()}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(_ context.Context, table string) (time.Time, error) {
	var checkpoint time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		checkpoint, _, err = s.load(tx, table)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	return checkpoint, nil
}

func (s *BoltStore) Set(_ context.Context, table string, checkpoint time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, exists, err := s.load(tx, table)
		if err != nil {
			return err
		}
		if err := advance(table, current, exists, checkpoint); err != nil {
			return err
		}
		return tx.Bucket(WatermarkBucket).Put([]byte(table), []byte(Format(checkpoint)))
	})
}

func (s *BoltStore) Entries(_ context.Context) (map[string]string, error) {
	entries := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(WatermarkBucket).ForEach(func(k, v []byte) error {
			entries[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *BoltStore) Reset(_ context.Context, table string, checkpoint time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(WatermarkBucket)
		if checkpoint.IsZero() {
			return bucket.Delete([]byte(table))
		}
		return bucket.Put([]byte(table), []byte(Format(checkpoint)))
	})
}

// load returns the stored checkpoint, or the default epoch with exists=false.
func (s *BoltStore) load(tx *bolt.Tx, table string) (time.Time, bool, error) {
	data := tx.Bucket(WatermarkBucket).Get([]byte(table))
	if data == nil {
		return s.defaultEpoch, false, nil
	}

	checkpoint, err := Parse(string(data))
	if err != nil {
		return time.Time{}, false, cdc.NewStateCorruptionError(table, err)
	}

	return checkpoint, true, nil
}
