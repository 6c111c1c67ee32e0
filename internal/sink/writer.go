// Package sink serializes change batches into columnar artifacts and
// publishes them to object storage.
//
// Artifacts are laid out as
//
//	<prefix>/<table>/dt=<YYYY-MM-DD>/<YYYYMMDDTHHMMSS.nnnnnnnnnZ>-<sha256[:12]>.parquet
//
// and are first uploaded below <prefix>/_staging/ and only then promoted to
// their final key.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lakehouse/extractor/internal/cdc"
	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/watermark"
)

const (
	DefaultPrefix       = "bronze"
	DefaultWriteTimeout = 60 * time.Second

	stagingDir    = "_staging"
	keyTimeLayout = "20060102T150405.000000000Z"
	digestPrefix  = 12
)

// Metadata keys attached to every artifact.
const (
	MetaTable        = "extractor.table"
	MetaRows         = "extractor.rows"
	MetaSince        = "extractor.watermark"
	MetaMaxUpdatedAt = "extractor.max_updated_at"
	MetaSourceLSN    = "extractor.source_lsn"
	MetaReadAt       = "extractor.read_at"
	MetaSHA256       = "extractor.sha256"
)

// Location identifies a published artifact.
type Location struct {
	Key       string
	URI       string
	Size      int64
	Rows      int
	SHA256    string
	WrittenAt time.Time
}

type WriterConfig struct {
	Prefix       string
	WriteTimeout time.Duration
}

type Writer struct {
	store   ObjectStore
	encoder Encoder
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

func NewWriter(store ObjectStore, encoder Encoder, cfg WriterConfig) *Writer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Writer{
		store:   store,
		encoder: encoder,
		prefix:  cfg.Prefix,
		timeout: cfg.WriteTimeout,
		now:     time.Now,
	}
}

// Write encodes batch and publishes it for table. Nothing is visible at the
// returned key until the whole artifact has been stored.
func (w *Writer) Write(ctx context.Context, table string, batch *cdc.ChangeBatch) (Location, error) {
	metadata := map[string]string{
		MetaTable:        table,
		MetaRows:         strconv.Itoa(batch.Len()),
		MetaSince:        watermark.Format(batch.Since),
		MetaMaxUpdatedAt: watermark.Format(batch.MaxUpdatedAt),
	}
	if batch.SourceLSN != 0 {
		metadata[MetaSourceLSN] = batch.SourceLSN.String()
	}
	if !batch.ReadAt.IsZero() {
		metadata[MetaReadAt] = batch.ReadAt.UTC().Format(time.RFC3339Nano)
	}

	body, err := w.encoder.Encode(batch, metadata)
	if err != nil {
		if _, ok := cdc.KindOf(err); ok {
			return Location{}, err
		}
		return Location{}, cdc.NewSerializationError(table, -1, "", nil, err)
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	metadata[MetaSHA256] = digest

	writtenAt := w.now().UTC()
	finalKey := ObjectKey(w.prefix, table, writtenAt, digest, w.encoder.Extension())
	stagingKey := path.Join(w.prefix, stagingDir, table, uuid.NewString()+w.encoder.Extension())

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.store.Put(ctx, stagingKey, body, metadata); err != nil {
		w.discard(stagingKey)
		return Location{}, cdc.NewSinkUnavailableError(table, stagingKey, err)
	}

	if err := w.store.Promote(ctx, stagingKey, finalKey); err != nil {
		w.discard(stagingKey)
		return Location{}, cdc.NewSinkUnavailableError(table, finalKey, err)
	}

	loc := Location{
		Key:       finalKey,
		URI:       w.store.URI(finalKey),
		Size:      int64(len(body)),
		Rows:      batch.Len(),
		SHA256:    digest,
		WrittenAt: writtenAt,
	}

	logger.Debug("Published artifact",
		"table", table,
		"uri", loc.URI,
		"rows", humanize.Comma(int64(loc.Rows)),
		"size", humanize.Bytes(uint64(loc.Size)),
	)

	return loc, nil
}

// discard removes a staged object after a failed publication. It runs on a
// fresh context because the write context may be the reason for the failure.
func (w *Writer) discard(stagingKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.Delete(ctx, stagingKey); err != nil {
		logger.Warn("Failed to clean up staged artifact", "key", stagingKey, "error", err)
	}
}

// ObjectKey returns the final key of an artifact written at writtenAt.
func ObjectKey(prefix, table string, writtenAt time.Time, digest, ext string) string {
	writtenAt = writtenAt.UTC()
	if len(digest) > digestPrefix {
		digest = digest[:digestPrefix]
	}
	name := writtenAt.Format(keyTimeLayout) + "-" + digest + ext
	return path.Join(prefix, table, "dt="+writtenAt.Format("2006-01-02"), name)
}
