// Package ingest drives the read, write and advance cycle for each configured
// table.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"golang.org/x/sync/errgroup"

	"github.com/lakehouse/extractor/internal/cdc"
	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/sink"
	"github.com/lakehouse/extractor/internal/watermark"
)

type Reader interface {
	Read(ctx context.Context, table string, checkpoint time.Time) (*cdc.ChangeBatch, error)
}

type Writer interface {
	Write(ctx context.Context, table string, batch *cdc.ChangeBatch) (sink.Location, error)
}

// Notifier is told about every table that ends a cycle in FAILED.
type Notifier interface {
	SendIngestionFailureAlert(table string, kind cdc.ErrorKind, checkpoint time.Time, err error) error
}

// Observer receives results for instrumentation.
type Observer interface {
	ObserveTable(result TableResult)
	ObserveCycle(report *RunReport)
}

type Config struct {
	Tables []string
	// Concurrency bounds how many tables run at once. Values below 1 mean
	// sequential.
	Concurrency int
}

type Coordinator struct {
	store       watermark.Store
	reader      Reader
	writer      Writer
	tables      []string
	concurrency int
	locks       *kmutex.Kmutex

	alerts sync.WaitGroup

	mu       sync.RWMutex
	notifier Notifier
	observer Observer
	now      func() time.Time
}

func NewCoordinator(store watermark.Store, reader Reader, writer Writer, cfg Config) *Coordinator {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	tables := make([]string, len(cfg.Tables))
	copy(tables, cfg.Tables)

	return &Coordinator{
		store:       store,
		reader:      reader,
		writer:      writer,
		tables:      tables,
		concurrency: concurrency,
		locks:       kmutex.New(),
		now:         time.Now,
	}
}

func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

func (c *Coordinator) Tables() []string {
	tables := make([]string, len(c.tables))
	copy(tables, c.tables)
	return tables
}

// RunCycle runs every configured table once.
func (c *Coordinator) RunCycle(ctx context.Context) *RunReport {
	return c.RunTables(ctx, c.tables)
}

// RunTables runs the given tables once. A failing table never prevents the
// others from running; failures are reported in the returned report only.
func (c *Coordinator) RunTables(ctx context.Context, tables []string) *RunReport {
	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: c.now(),
		Results:   make([]TableResult, len(tables)),
	}

	logger.Debug("Starting ingestion cycle", "run_id", report.RunID, "tables", len(tables), "concurrency", c.concurrency)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, table := range tables {
		g.Go(func() error {
			report.Results[i] = c.RunTable(ctx, table)
			return nil
		})
	}
	g.Wait()

	report.Duration = c.now().Sub(report.StartedAt)

	success, noop, failed := report.Counts()
	logger.Info("Ingestion cycle finished",
		"run_id", report.RunID,
		"success", success,
		"noop", noop,
		"failed", failed,
		"rows", report.Rows(),
		"duration", report.Duration.String(),
	)

	if o := c.getObserver(); o != nil {
		o.ObserveCycle(report)
	}

	return report
}

// RunTable performs one get, read, write and set sequence for table. Runs
// for the same table never interleave. Failure alerts are delivered in the
// background; see WaitAlerts.
func (c *Coordinator) RunTable(ctx context.Context, table string) TableResult {
	result := c.runLocked(ctx, table)
	c.report(result)
	return result
}

func (c *Coordinator) runLocked(ctx context.Context, table string) TableResult {
	c.locks.Lock(table)
	defer c.locks.Unlock(table)

	start := c.now()
	result := c.run(ctx, table)
	result.Duration = c.now().Sub(start)
	return result
}

// WaitAlerts blocks until every queued failure alert has been delivered or
// ctx is done.
func (c *Coordinator) WaitAlerts(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.alerts.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, table string) TableResult {
	result := TableResult{Table: table, State: StateIdle}

	checkpoint, err := c.store.Get(ctx, table)
	if err != nil {
		return fail(result, classifyState(err, table, cdc.KindSourceUnavailable))
	}
	result.Since = checkpoint
	result.Checkpoint = checkpoint

	result.State = StateReading
	batch, err := c.reader.Read(ctx, table, checkpoint)
	if err != nil {
		return fail(result, classify(err, table, cdc.KindSourceUnavailable))
	}

	if batch == nil || batch.IsEmpty() {
		result.State = StateEmpty
		result.Outcome = OutcomeNoop
		return result
	}
	result.Rows = batch.Len()

	result.State = StateWriting
	loc, err := c.writer.Write(ctx, table, batch)
	if err != nil {
		return fail(result, classify(err, table, cdc.KindSinkUnavailable))
	}
	result.Location = loc

	result.State = StateAdvancing
	result.Attempted = batch.MaxUpdatedAt
	if err := c.store.Set(ctx, table, batch.MaxUpdatedAt); err != nil {
		return fail(result, classifyState(err, table, cdc.KindSinkUnavailable))
	}

	result.Checkpoint = batch.MaxUpdatedAt
	result.State = StateDone
	result.Outcome = OutcomeSuccess
	return result
}

func fail(result TableResult, err error) TableResult {
	result.FailedAt = result.State
	result.State = StateFailed
	result.Outcome = OutcomeFailed
	result.Err = err
	result.Kind, _ = cdc.KindOf(err)
	return result
}

// classify makes sure err belongs to the error taxonomy, using fallback for
// errors that do not carry a kind.
func classify(err error, table string, fallback cdc.ErrorKind) error {
	if _, ok := cdc.KindOf(err); ok {
		return err
	}
	switch fallback {
	case cdc.KindSourceUnavailable:
		return cdc.NewSourceUnavailableError(table, err)
	case cdc.KindSinkUnavailable:
		return cdc.NewSinkUnavailableError(table, "", err)
	case cdc.KindSerialization:
		return cdc.NewSerializationError(table, -1, "", nil, err)
	default:
		return cdc.NewStateCorruptionError(table, err)
	}
}

// classifyState classifies a watermark store error. A store that is only
// temporarily unavailable yields the retryable kind given; anything else
// means the persisted state cannot be trusted.
func classifyState(err error, table string, unavailable cdc.ErrorKind) error {
	if errors.Is(err, watermark.ErrUnavailable) {
		return classify(err, table, unavailable)
	}
	return classify(err, table, cdc.KindStateCorruption)
}

func (c *Coordinator) report(result TableResult) {
	switch result.Outcome {
	case OutcomeSuccess:
		logger.Info("Table ingested",
			"table", result.Table,
			"rows", result.Rows,
			"watermark", watermark.Format(result.Since),
			"new_watermark", watermark.Format(result.Checkpoint),
			"artifact", result.Location.URI,
		)
	case OutcomeNoop:
		logger.Info("No new changes",
			"table", result.Table,
			"watermark", watermark.Format(result.Since),
		)
	case OutcomeFailed:
		kv := []any{
			"table", result.Table,
			"kind", string(result.Kind),
			"state", string(result.FailedAt),
			"error", result.Err,
		}
		if !result.Since.IsZero() {
			kv = append(kv, "watermark", watermark.Format(result.Since))
		}
		if !result.Attempted.IsZero() {
			kv = append(kv, "attempted_watermark", watermark.Format(result.Attempted))
		}
		logger.Error("Table ingestion failed", kv...)

		c.notify(result)
	}

	if o := c.getObserver(); o != nil {
		o.ObserveTable(result)
	}
}

func (c *Coordinator) notify(result TableResult) {
	n := c.getNotifier()
	if n == nil {
		return
	}
	attempted := result.Attempted
	if attempted.IsZero() {
		attempted = result.Since
	}

	c.alerts.Add(1)
	go func() {
		defer c.alerts.Done()
		if err := n.SendIngestionFailureAlert(result.Table, result.Kind, attempted, result.Err); err != nil {
			logger.Warn("Failed to send alert", "table", result.Table, "error", err)
		}
	}()
}

func (c *Coordinator) getNotifier() Notifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifier
}

func (c *Coordinator) getObserver() Observer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}
