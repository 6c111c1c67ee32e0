package sink

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/lakehouse/extractor/internal/cdc"
)

// Encoder turns a change batch into the bytes of one artifact.
type Encoder interface {
	Encode(batch *cdc.ChangeBatch, metadata map[string]string) ([]byte, error)
	Extension() string
}

// ParquetEncoder writes a batch as a single snappy-compressed Parquet file
// with one row group.
type ParquetEncoder struct {
	mem memory.Allocator
}

func NewParquetEncoder() *ParquetEncoder {
	return &ParquetEncoder{mem: memory.NewGoAllocator()}
}

func (e *ParquetEncoder) Extension() string {
	return ".parquet"
}

func (e *ParquetEncoder) Encode(batch *cdc.ChangeBatch, metadata map[string]string) ([]byte, error) {
	schema, err := arrowSchema(batch, metadata)
	if err != nil {
		return nil, err
	}

	builder := array.NewRecordBuilder(e.mem, schema)
	defer builder.Release()

	for i, row := range batch.Rows {
		for j, col := range batch.Columns {
			value := row[col.Name]
			if err := appendValue(builder.Field(j), col, value); err != nil {
				return nil, cdc.NewSerializationError(batch.Table, i, col.Name, value, err)
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(e.mem),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(e.mem),
	)

	writer, err := pqarrow.NewFileWriter(schema, &buf, props, arrowProps)
	if err != nil {
		return nil, cdc.NewSerializationError(batch.Table, -1, "", nil, err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, cdc.NewSerializationError(batch.Table, -1, "", nil, err)
	}
	if err := writer.Close(); err != nil {
		return nil, cdc.NewSerializationError(batch.Table, -1, "", nil, err)
	}

	return buf.Bytes(), nil
}

func arrowSchema(batch *cdc.ChangeBatch, metadata map[string]string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(batch.Columns))
	for i, col := range batch.Columns {
		dt, err := arrowType(col)
		if err != nil {
			return nil, cdc.NewSerializationError(batch.Table, -1, col.Name, nil, err)
		}
		fields[i] = arrow.Field{Name: col.Name, Type: dt, Nullable: true}
	}

	keys := make([]string, 0, len(metadata))
	values := make([]string, 0, len(metadata))
	for k, v := range metadata {
		keys = append(keys, k)
		values = append(values, v)
	}
	md := arrow.NewMetadata(keys, values)

	return arrow.NewSchema(fields, &md), nil
}

func arrowType(col cdc.Column) (arrow.DataType, error) {
	switch col.Kind {
	case cdc.KindString, cdc.KindJSON:
		return arrow.BinaryTypes.String, nil
	case cdc.KindInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case cdc.KindInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case cdc.KindInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case cdc.KindFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case cdc.KindFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case cdc.KindDecimal:
		return &arrow.Decimal128Type{Precision: col.Precision, Scale: col.Scale}, nil
	case cdc.KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case cdc.KindTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case cdc.KindTimestampTZ:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	case cdc.KindDate:
		return arrow.FixedWidthTypes.Date32, nil
	case cdc.KindBytes:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("unsupported column kind %s", col.Kind)
	}
}

func appendValue(b array.Builder, col cdc.Column, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	switch fb := b.(type) {
	case *array.StringBuilder:
		v, ok := value.(string)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Int16Builder:
		v, ok := value.(int16)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Int32Builder:
		v, ok := value.(int32)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Int64Builder:
		v, ok := value.(int64)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Float32Builder:
		v, ok := value.(float32)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Float64Builder:
		v, ok := value.(float64)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.Decimal128Builder:
		v, ok := value.(cdc.Decimal)
		if !ok {
			return mismatch(col, value)
		}
		unscaled, err := v.Rescale(col.Scale)
		if err != nil {
			return err
		}
		num := decimal128.FromBigInt(unscaled)
		if !num.FitsInPrecision(col.Precision) {
			return fmt.Errorf("value %s overflows decimal(%d,%d)", v, col.Precision, col.Scale)
		}
		fb.Append(num)
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(arrow.Timestamp(v.UnixMicro()))
	case *array.Date32Builder:
		v, ok := value.(time.Time)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(arrow.Date32FromTime(v))
	case *array.BinaryBuilder:
		v, ok := value.([]byte)
		if !ok {
			return mismatch(col, value)
		}
		fb.Append(v)
	default:
		return fmt.Errorf("no encoder for builder %T", b)
	}

	return nil
}

func mismatch(col cdc.Column, value any) error {
	return fmt.Errorf("%s column holds %T", col.Kind, value)
}
