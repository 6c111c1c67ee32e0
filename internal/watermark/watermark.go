// Package watermark persists, per source table, the change timestamp up to
// which rows have been ingested.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the human-readable form checkpoints are persisted in. It
// matches PostgreSQL's text output for timestamp columns.
const TimeLayout = "2006-01-02 15:04:05.999999"

// DefaultEpoch is the checkpoint used for tables that have never been
// ingested; reading from it is a full load.
var DefaultEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Store is the sole source of truth for how far each table has been ingested.
// Get never reports absence as an error: tables without a record resolve to
// the store's default epoch. Implementations return a
// *cdc.StateCorruptionError when persisted state cannot be decoded.
type Store interface {
	Get(ctx context.Context, table string) (time.Time, error)
	Set(ctx context.Context, table string, checkpoint time.Time) error
}

// Admin is implemented by stores that support operator inspection and reset.
type Admin interface {
	// Entries returns the raw persisted value of every record.
	Entries(ctx context.Context) (map[string]string, error)
	// Reset replaces the checkpoint of table without the monotonic check. A
	// zero checkpoint removes the record so the next cycle is a full load.
	Reset(ctx context.Context, table string, checkpoint time.Time) error
}

// ErrUnavailable marks errors from stores that cannot serve the request right
// now but may on a later cycle, such as a replicated store without leadership.
var ErrUnavailable = errors.New("watermark store unavailable")

// RegressionError is returned by Set when the new checkpoint is earlier than
// the persisted one.
type RegressionError struct {
	TableName string
	Current   time.Time
	Proposed  time.Time
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark for %s cannot move backwards from %s to %s",
		e.TableName, Format(e.Current), Format(e.Proposed))
}

func Format(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var parseLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// Parse accepts the persisted layout as well as RFC 3339 and bare dates, so
// operators can hand-edit state. Values without a zone are UTC.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// advance validates a transition from current to next.
func advance(table string, current time.Time, exists bool, next time.Time) error {
	if exists && next.Before(current) {
		return &RegressionError{TableName: table, Current: current, Proposed: next}
	}
	return nil
}
