package cdc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// maxDecimalPrecision is the widest numeric the columnar encoder stores as a
// decimal; wider or unconstrained numerics are carried as strings.
const maxDecimalPrecision = 38

func columnsFromFields(fields []pgconn.FieldDescription) []Column {
	columns := make([]Column, len(fields))
	for i, fd := range fields {
		columns[i] = columnFromField(fd)
	}
	return columns
}

func columnFromField(fd pgconn.FieldDescription) Column {
	col := Column{Name: fd.Name}

	switch fd.DataTypeOID {
	case pgtype.Int2OID:
		col.Kind = KindInt16
	case pgtype.Int4OID:
		col.Kind = KindInt32
	case pgtype.Int8OID:
		col.Kind = KindInt64
	case pgtype.Float4OID:
		col.Kind = KindFloat32
	case pgtype.Float8OID:
		col.Kind = KindFloat64
	case pgtype.NumericOID:
		precision, scale, ok := numericTypmod(fd.TypeModifier)
		if ok && precision <= maxDecimalPrecision {
			col.Kind = KindDecimal
			col.Precision = precision
			col.Scale = scale
		} else {
			col.Kind = KindString
		}
	case pgtype.BoolOID:
		col.Kind = KindBool
	case pgtype.TimestampOID:
		col.Kind = KindTimestamp
	case pgtype.TimestamptzOID:
		col.Kind = KindTimestampTZ
	case pgtype.DateOID:
		col.Kind = KindDate
	case pgtype.ByteaOID:
		col.Kind = KindBytes
	case pgtype.JSONOID, pgtype.JSONBOID:
		col.Kind = KindJSON
	default:
		col.Kind = KindString
	}

	return col
}

// numericTypmod decodes NUMERIC(p,s) from the attribute type modifier.
// Unconstrained numerics carry -1.
func numericTypmod(typmod int32) (precision, scale int32, ok bool) {
	if typmod < 4 {
		return 0, 0, false
	}
	mod := typmod - 4
	return (mod >> 16) & 0xffff, mod & 0xffff, true
}

// normalizeValue converts a value decoded by pgx into the representation the
// artifact encoder expects for col.Kind.
func normalizeValue(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch col.Kind {
	case KindString:
		return stringValue(v)
	case KindDecimal:
		n, ok := v.(pgtype.Numeric)
		if !ok {
			return nil, fmt.Errorf("expected numeric, got %T", v)
		}
		if !n.Valid {
			return nil, nil
		}
		if n.NaN || n.InfinityModifier != pgtype.Finite {
			return nil, fmt.Errorf("non-finite numeric cannot be stored as decimal(%d,%d)", col.Precision, col.Scale)
		}
		return Decimal{Coefficient: n.Int, Exponent: n.Exp}, nil
	case KindJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(encoded), nil
	case KindInt16:
		return expect[int16](v)
	case KindInt32:
		return expect[int32](v)
	case KindInt64:
		return expect[int64](v)
	case KindFloat32:
		return expect[float32](v)
	case KindFloat64:
		return expect[float64](v)
	case KindBool:
		return expect[bool](v)
	case KindTimestamp, KindTimestampTZ, KindDate:
		t, err := expect[time.Time](v)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case KindBytes:
		return expect[[]byte](v)
	default:
		return nil, fmt.Errorf("unsupported column kind %s", col.Kind)
	}
}

func stringValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case [16]byte:
		return uuid.UUID(val).String(), nil
	case pgtype.Numeric:
		dv, err := val.Value()
		if err != nil {
			return "", fmt.Errorf("encode numeric: %w", err)
		}
		if dv == nil {
			return "", nil
		}
		return fmt.Sprint(dv), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		return fmt.Sprint(val), nil
	}
}

func expect[T any](v any) (T, error) {
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("expected %T, got %T", zero, v)
	}
	return typed, nil
}
