package cdc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/lakehouse/extractor/internal/logger"
)

const (
	DefaultSchema         = "public"
	DefaultTrackingColumn = "updated_at"
	DefaultReadTimeout    = 30 * time.Second

	currentLSNQuery = `SELECT COALESCE(
		CASE WHEN pg_is_in_recovery() THEN pg_last_wal_replay_lsn() ELSE pg_current_wal_lsn() END,
		'0/0'::pg_lsn)::text`
)

// Reader fetches rows of a table whose change-tracking column is strictly
// greater than checkpoint. Row order is unspecified.
type Reader interface {
	Read(ctx context.Context, table string, checkpoint time.Time) (*ChangeBatch, error)
}

type ReaderConfig struct {
	ConnString     string
	Schema         string
	TrackingColumn string
	// TrackingColumns overrides TrackingColumn per table.
	TrackingColumns map[string]string
	ReadTimeout     time.Duration
	MaxConns        int32
	ConnectAttempts uint
}

type PostgresReader struct {
	config *ReaderConfig
	pool   *pgxpool.Pool
}

// NewPostgresReader opens a connection pool and verifies the source is
// reachable, retrying with backoff up to ConnectAttempts times.
func NewPostgresReader(ctx context.Context, config *ReaderConfig) (*PostgresReader, error) {
	if config.Schema == "" {
		config.Schema = DefaultSchema
	}
	if config.TrackingColumn == "" {
		config.TrackingColumn = DefaultTrackingColumn
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.ConnectAttempts == 0 {
		config.ConnectAttempts = 3
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, NewSourceUnavailableError("", err)
	}

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, config.ReadTimeout)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(config.ConnectAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("source ping failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, NewSourceUnavailableError("", err)
	}

	return &PostgresReader{config: config, pool: pool}, nil
}

func (r *PostgresReader) Close() {
	r.pool.Close()
}

func (r *PostgresReader) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.ReadTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return NewSourceUnavailableError("", err)
	}
	return nil
}

func (r *PostgresReader) trackingColumn(table string) string {
	if col, ok := r.config.TrackingColumns[table]; ok && col != "" {
		return col
	}
	return r.config.TrackingColumn
}

// Read selects the rows of table changed after checkpoint inside a read-only
// repeatable-read transaction, so the recorded source LSN and the rows come
// from the same snapshot.
func (r *PostgresReader) Read(ctx context.Context, table string, checkpoint time.Time) (*ChangeBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ReadTimeout)
	defer cancel()

	tracking := r.trackingColumn(table)
	query := buildChangeQuery(r.config.Schema, table, tracking)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, NewSourceUnavailableError(table, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(context.Background())

	var lsnText string
	if err := tx.QueryRow(ctx, currentLSNQuery).Scan(&lsnText); err != nil {
		return nil, NewSourceUnavailableError(table, fmt.Errorf("read wal position: %w", err))
	}
	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		logger.Warn("unparsable source wal position", "table", table, "lsn", lsnText, "error", err)
		lsn = 0
	}

	rows, err := tx.Query(ctx, query, checkpoint)
	if err != nil {
		return nil, NewSourceUnavailableError(table, fmt.Errorf("query changes: %w", err))
	}
	defer rows.Close()

	batch, err := collectRows(rows, table, tracking, checkpoint)
	if err != nil {
		return nil, err
	}
	batch.SourceLSN = lsn
	batch.ReadAt = time.Now().UTC()
	return batch, nil
}

// collectRows drains rows into a batch. Rows whose tracking value is not
// after checkpoint are dropped, so the batch never repeats the boundary row
// even if the query returned it.
func collectRows(rows pgx.Rows, table, tracking string, checkpoint time.Time) (*ChangeBatch, error) {
	columns := columnsFromFields(rows.FieldDescriptions())
	batch := NewChangeBatch(table, tracking, checkpoint, columns)

	skipped := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, NewSerializationError(table, batch.Len()+skipped, "", nil, fmt.Errorf("decode row: %w", err))
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			v, err := normalizeValue(col, values[i])
			if err != nil {
				return nil, NewSerializationError(table, batch.Len()+skipped, col.Name, values[i], err)
			}
			row[col.Name] = v
		}

		if changedAt, ok := row[tracking].(time.Time); ok && !batch.Accepts(changedAt) {
			skipped++
			continue
		}
		if err := batch.Append(row); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, NewSourceUnavailableError(table, fmt.Errorf("iterate changes: %w", err))
	}

	if skipped > 0 {
		logger.Warn("dropped rows at or below watermark", "table", table, "watermark", checkpoint, "rows", skipped)
	}
	return batch, nil
}

// Pending counts the rows of table changed after checkpoint.
func (r *PostgresReader) Pending(ctx context.Context, table string, checkpoint time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ReadTimeout)
	defer cancel()

	query := buildPendingQuery(r.config.Schema, table, r.trackingColumn(table))

	var count int64
	if err := r.pool.QueryRow(ctx, query, checkpoint).Scan(&count); err != nil {
		return 0, NewSourceUnavailableError(table, fmt.Errorf("count changes: %w", err))
	}
	return count, nil
}

func buildChangeQuery(schema, table, trackingColumn string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > $1",
		qualifiedName(schema, table), pq.QuoteIdentifier(trackingColumn))
}

func buildPendingQuery(schema, table, trackingColumn string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s > $1",
		qualifiedName(schema, table), pq.QuoteIdentifier(trackingColumn))
}

// qualifiedName quotes table, which may carry its own schema as
// "schema.table".
func qualifiedName(schema, table string) string {
	if s, t, ok := strings.Cut(table, "."); ok {
		schema, table = s, t
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}
