package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/lakehouse/extractor/internal/watermark"
)

// FSM applies replicated watermark mutations to the node's local replica.
// Apply returns nil or the error produced by the replica, e.g. a
// *watermark.RegressionError.
type FSM struct {
	mu    sync.RWMutex
	store *watermark.BoltStore
}

func NewFSM(store *watermark.BoltStore) *FSM {
	return &FSM{
		store: store,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch entry.Type {
	case LogEntrySetWatermark:
		return f.applySet(&entry)
	case LogEntryResetWatermark:
		return f.applyReset(&entry)
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) applySet(entry *LogEntry) interface{} {
	checkpoint, err := watermark.Parse(entry.Checkpoint)
	if err != nil {
		return fmt.Errorf("invalid checkpoint for %s: %w", entry.TableName, err)
	}

	if err := f.store.Set(context.Background(), entry.TableName, checkpoint); err != nil {
		return err
	}

	return nil
}

func (f *FSM) applyReset(entry *LogEntry) interface{} {
	var checkpoint time.Time
	if entry.Checkpoint != "" {
		var err error
		checkpoint, err = watermark.Parse(entry.Checkpoint)
		if err != nil {
			return fmt.Errorf("invalid checkpoint for %s: %w", entry.TableName, err)
		}
	}

	if err := f.store.Reset(context.Background(), entry.TableName, checkpoint); err != nil {
		return err
	}

	return nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.store.Entries(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read watermarks: %w", err)
	}

	return &fsmSnapshot{
		data: snapshotData{Watermarks: entries},
	}, nil
}

// Restore replaces the local replica with the snapshot contents.
func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var snapshot snapshotData
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	ctx := context.Background()
	current, err := f.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermarks: %w", err)
	}

	for table := range current {
		if _, ok := snapshot.Watermarks[table]; !ok {
			if err := f.store.Reset(ctx, table, time.Time{}); err != nil {
				return fmt.Errorf("failed to remove watermark %s: %w", table, err)
			}
		}
	}

	for table, raw := range snapshot.Watermarks {
		checkpoint, err := watermark.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid checkpoint for %s in snapshot: %w", table, err)
		}
		if err := f.store.Reset(ctx, table, checkpoint); err != nil {
			return fmt.Errorf("failed to restore watermark %s: %w", table, err)
		}
	}

	return nil
}

type fsmSnapshot struct {
	data snapshotData
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
