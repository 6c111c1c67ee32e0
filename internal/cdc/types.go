package cdc

import (
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pglogrepl"
)

type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindBool
	KindTimestamp
	KindTimestampTZ
	KindDate
	KindBytes
	KindJSON
)

var columnKindNames = map[ColumnKind]string{
	KindString:      "string",
	KindInt16:       "int16",
	KindInt32:       "int32",
	KindInt64:       "int64",
	KindFloat32:     "float32",
	KindFloat64:     "float64",
	KindDecimal:     "decimal",
	KindBool:        "bool",
	KindTimestamp:   "timestamp",
	KindTimestampTZ: "timestamptz",
	KindDate:        "date",
	KindBytes:       "bytes",
	KindJSON:        "json",
}

func (k ColumnKind) String() string {
	if name, ok := columnKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Column describes one column of a change batch. Precision and Scale are
// only meaningful for KindDecimal.
type Column struct {
	Name      string
	Kind      ColumnKind
	Precision int32
	Scale     int32
}

// Row maps column name to a normalized value. Rows are not modified after
// they are appended to a batch.
type Row map[string]any

// Decimal is an exact numeric value equal to Coefficient * 10^Exponent.
type Decimal struct {
	Coefficient *big.Int
	Exponent    int32
}

// Rescale returns the unscaled integer representing d at the given scale.
// It fails when the conversion would drop non-zero digits.
func (d Decimal) Rescale(scale int32) (*big.Int, error) {
	if d.Coefficient == nil {
		return new(big.Int), nil
	}

	shift := int64(d.Exponent) + int64(scale)
	result := new(big.Int).Set(d.Coefficient)
	if shift >= 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
		return result.Mul(result, factor), nil
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
	quo, rem := new(big.Int).QuoRem(result, divisor, new(big.Int))
	if rem.Sign() != 0 {
		return nil, fmt.Errorf("value %s does not fit scale %d", d.String(), scale)
	}
	return quo, nil
}

func (d Decimal) String() string {
	if d.Coefficient == nil {
		return "0"
	}
	if d.Exponent >= 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Exponent)), nil)
		return new(big.Int).Mul(d.Coefficient, factor).String()
	}
	r := new(big.Rat).SetFrac(d.Coefficient, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-d.Exponent)), nil))
	return r.FloatString(int(-d.Exponent))
}

// ChangeBatch is the set of rows captured for one table in one cycle.
type ChangeBatch struct {
	Table          string
	TrackingColumn string
	// Since is the exclusive lower bound the rows were selected with.
	Since   time.Time
	Columns []Column
	Rows    []Row
	// MaxUpdatedAt is the largest tracking column value among Rows.
	MaxUpdatedAt time.Time
	// SourceLSN is the WAL position of the source at read time, zero if unknown.
	SourceLSN pglogrepl.LSN
	ReadAt    time.Time
}

func NewChangeBatch(table, trackingColumn string, since time.Time, columns []Column) *ChangeBatch {
	return &ChangeBatch{
		Table:          table,
		TrackingColumn: trackingColumn,
		Since:          since,
		Columns:        columns,
		Rows:           make([]Row, 0),
	}
}

func (b *ChangeBatch) Len() int {
	return len(b.Rows)
}

func (b *ChangeBatch) IsEmpty() bool {
	return len(b.Rows) == 0
}

// Accepts reports whether a row with the given change timestamp belongs in
// the batch. Rows equal to the lower bound were captured by an earlier cycle.
func (b *ChangeBatch) Accepts(changedAt time.Time) bool {
	return changedAt.After(b.Since)
}

// Append adds row to the batch and tracks MaxUpdatedAt. The row must carry a
// timestamp in the tracking column.
func (b *ChangeBatch) Append(row Row) error {
	raw, ok := row[b.TrackingColumn]
	if !ok || raw == nil {
		return NewSerializationError(b.Table, len(b.Rows), b.TrackingColumn, raw,
			fmt.Errorf("tracking column is missing or null"))
	}

	changedAt, ok := raw.(time.Time)
	if !ok {
		return NewSerializationError(b.Table, len(b.Rows), b.TrackingColumn, raw,
			fmt.Errorf("tracking column is %T, not a timestamp", raw))
	}

	if changedAt.After(b.MaxUpdatedAt) {
		b.MaxUpdatedAt = changedAt
	}
	b.Rows = append(b.Rows, row)
	return nil
}

// Column returns the column description with the given name.
func (b *ChangeBatch) Column(name string) (Column, bool) {
	for _, c := range b.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
