package watermark

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
	bolt "go.etcd.io/bbolt"
)

type adminStore interface {
	Store
	Admin
}

// storeFactories builds each backend over a fresh location.
func storeFactories(t *testing.T) map[string]func() adminStore {
	return map[string]func() adminStore{
		"memory": func() adminStore { return NewMemoryStore(DefaultEpoch) },
		"file": func() adminStore {
			return NewFileStore(filepath.Join(t.TempDir(), "ingestion_state.json"), DefaultEpoch)
		},
		"bolt": func() adminStore {
			store, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"), DefaultEpoch)
			if err != nil {
				t.Fatalf("Failed to create bolt store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	second := time.Date(2025, 1, 3, 8, 30, 0, 123456000, time.UTC)

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()

			t.Run("GetDefaultsToEpoch", func(t *testing.T) {
				got, err := store.Get(ctx, "fact_sales")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if !got.Equal(DefaultEpoch) {
					t.Errorf("expected default epoch, got %v", got)
				}
			})

			t.Run("SetAndGet", func(t *testing.T) {
				if err := store.Set(ctx, "fact_sales", first); err != nil {
					t.Fatalf("Set failed: %v", err)
				}
				got, err := store.Get(ctx, "fact_sales")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if !got.Equal(first) {
					t.Errorf("expected %v, got %v", first, got)
				}
			})

			t.Run("MicrosecondsSurvive", func(t *testing.T) {
				if err := store.Set(ctx, "fact_sales", second); err != nil {
					t.Fatalf("Set failed: %v", err)
				}
				got, _ := store.Get(ctx, "fact_sales")
				if !got.Equal(second) {
					t.Errorf("expected %v, got %v", second, got)
				}
			})

			t.Run("EqualIsAllowed", func(t *testing.T) {
				if err := store.Set(ctx, "fact_sales", second); err != nil {
					t.Errorf("setting the same checkpoint must succeed: %v", err)
				}
			})

			t.Run("RegressionRejected", func(t *testing.T) {
				err := store.Set(ctx, "fact_sales", first)
				var regression *RegressionError
				if !errors.As(err, &regression) {
					t.Fatalf("expected RegressionError, got %v", err)
				}
				got, _ := store.Get(ctx, "fact_sales")
				if !got.Equal(second) {
					t.Errorf("watermark changed after rejected regression: %v", got)
				}
			})

			t.Run("TablesAreIndependent", func(t *testing.T) {
				got, err := store.Get(ctx, "dim_users")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if !got.Equal(DefaultEpoch) {
					t.Errorf("expected default epoch for untouched table, got %v", got)
				}
			})

			t.Run("EntriesAreHumanReadable", func(t *testing.T) {
				entries, err := store.Entries(ctx)
				if err != nil {
					t.Fatalf("Entries failed: %v", err)
				}
				if entries["fact_sales"] != "2025-01-03 08:30:00.123456" {
					t.Errorf("unexpected persisted value %q", entries["fact_sales"])
				}
			})

			t.Run("ResetForcesFullLoad", func(t *testing.T) {
				if err := store.Reset(ctx, "fact_sales", time.Time{}); err != nil {
					t.Fatalf("Reset failed: %v", err)
				}
				got, _ := store.Get(ctx, "fact_sales")
				if !got.Equal(DefaultEpoch) {
					t.Errorf("expected default epoch after reset, got %v", got)
				}
			})

			t.Run("ResetToEarlierValue", func(t *testing.T) {
				if err := store.Set(ctx, "dim_users", second); err != nil {
					t.Fatal(err)
				}
				if err := store.Reset(ctx, "dim_users", first); err != nil {
					t.Fatalf("Reset failed: %v", err)
				}
				got, _ := store.Get(ctx, "dim_users")
				if !got.Equal(first) {
					t.Errorf("expected %v after reset, got %v", first, got)
				}
			})
		})
	}
}

func TestMemoryStoreCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(DefaultEpoch)
	store.SetRaw("fact_sales", "not-a-timestamp")

	_, err := store.Get(ctx, "fact_sales")
	if !cdc.IsStateCorruption(err) {
		t.Fatalf("expected state corruption, got %v", err)
	}

	if err := store.Set(ctx, "fact_sales", time.Now()); !cdc.IsStateCorruption(err) {
		t.Errorf("Set over corrupt state must fail with state corruption, got %v", err)
	}

	if _, err := store.Get(ctx, "dim_users"); err != nil {
		t.Errorf("other tables must stay readable: %v", err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ingestion_state.json")
	if err := os.WriteFile(path, []byte(`{"fact_sales": "2025-01-02 10:`), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewFileStore(path, DefaultEpoch)

	if _, err := store.Get(ctx, "fact_sales"); !cdc.IsStateCorruption(err) {
		t.Fatalf("expected state corruption, got %v", err)
	}

	if err := store.Set(ctx, "fact_sales", time.Now()); !cdc.IsStateCorruption(err) {
		t.Fatalf("Set must not overwrite a corrupt file, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != `{"fact_sales": "2025-01-02 10:` {
		t.Errorf("corrupt file was modified: %q", data)
	}
}

func TestFileStoreReadsOriginalFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ingestion_state.json")
	content := "{\n    \"dim_users\": \"2025-01-02 10:00:00\",\n    \"fact_sales\": \"garbage\"\n}"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewFileStore(path, DefaultEpoch)

	got, err := store.Get(ctx, "dim_users")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected checkpoint %v", got)
	}

	if _, err := store.Get(ctx, "fact_sales"); !cdc.IsStateCorruption(err) {
		t.Errorf("expected corruption for unparsable entry, got %v", err)
	}
}

func TestBoltStoreCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"), DefaultEpoch)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Reset(ctx, "fact_sales", time.Now()); err != nil {
		t.Fatal(err)
	}
	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(WatermarkBucket).Put([]byte("fact_sales"), []byte{0xff, 0x00})
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "fact_sales"); !cdc.IsStateCorruption(err) {
		t.Errorf("expected state corruption, got %v", err)
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	checkpoint := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	store, err := NewBoltStore(path, DefaultEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "fact_sales", checkpoint); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewBoltStore(path, DefaultEpoch)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "fact_sales")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(checkpoint) {
		t.Errorf("expected %v after reopen, got %v", checkpoint, got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2025-01-01 00:00:00", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"2025-01-02 10:00:00.5", time.Date(2025, 1, 2, 10, 0, 0, 500000000, time.UTC), false},
		{"2025-01-02T10:00:00+02:00", time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), false},
		{"2025-01-02", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), false},
		{" 2025-01-02 10:00:00 ", time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("Parse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 2, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	if Format(ts) != "2025-01-02 09:00:00" {
		t.Errorf("unexpected format %q", Format(ts))
	}
}
