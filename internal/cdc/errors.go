package cdc

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure kinds an ingestion run can end in.
type ErrorKind string

const (
	KindStateCorruption   ErrorKind = "state_corruption"
	KindSourceUnavailable ErrorKind = "source_unavailable"
	KindSinkUnavailable   ErrorKind = "sink_unavailable"
	KindSerialization     ErrorKind = "serialization"
)

// Retryable reports whether the next scheduled cycle may succeed without
// operator intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindSourceUnavailable, KindSinkUnavailable:
		return true
	default:
		return false
	}
}

// KindedError is implemented by every error in the taxonomy.
type KindedError interface {
	error
	Kind() ErrorKind
}

// StateCorruptionError means persisted watermark state could not be decoded.
type StateCorruptionError struct {
	TableName string
	Err       error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("watermark state for table %s is corrupt: %v", e.TableName, e.Err)
}

func (e *StateCorruptionError) Unwrap() error   { return e.Err }
func (e *StateCorruptionError) Kind() ErrorKind { return KindStateCorruption }

func NewStateCorruptionError(tableName string, err error) *StateCorruptionError {
	return &StateCorruptionError{TableName: tableName, Err: err}
}

// SourceUnavailableError wraps connection, query and timeout failures of the
// operational store.
type SourceUnavailableError struct {
	TableName string
	Err       error
}

func (e *SourceUnavailableError) Error() string {
	if e.TableName == "" {
		return fmt.Sprintf("source unavailable: %v", e.Err)
	}
	return fmt.Sprintf("source unavailable reading %s: %v", e.TableName, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error   { return e.Err }
func (e *SourceUnavailableError) Kind() ErrorKind { return KindSourceUnavailable }

func NewSourceUnavailableError(tableName string, err error) *SourceUnavailableError {
	return &SourceUnavailableError{TableName: tableName, Err: err}
}

// SinkUnavailableError wraps object store failures. Key is the object the
// writer was working on when it failed, if any.
type SinkUnavailableError struct {
	TableName string
	Key       string
	Err       error
}

func (e *SinkUnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("sink unavailable writing %s: %v", e.TableName, e.Err)
	}
	return fmt.Sprintf("sink unavailable writing %s to %s: %v", e.TableName, e.Key, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error   { return e.Err }
func (e *SinkUnavailableError) Kind() ErrorKind { return KindSinkUnavailable }

func NewSinkUnavailableError(tableName, key string, err error) *SinkUnavailableError {
	return &SinkUnavailableError{TableName: tableName, Key: key, Err: err}
}

// SerializationError identifies the row and column whose value could not be
// decoded or encoded. Row is the zero-based index within the batch, -1 when
// the failure is not tied to a row.
type SerializationError struct {
	TableName string
	Row       int
	Column    string
	Value     any
	Err       error
}

func (e *SerializationError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("cannot serialize %s: %v", e.TableName, e.Err)
	}
	return fmt.Sprintf("cannot serialize %s row %d column %q (value %v): %v",
		e.TableName, e.Row, e.Column, e.Value, e.Err)
}

func (e *SerializationError) Unwrap() error   { return e.Err }
func (e *SerializationError) Kind() ErrorKind { return KindSerialization }

func NewSerializationError(tableName string, row int, column string, value any, err error) *SerializationError {
	return &SerializationError{TableName: tableName, Row: row, Column: column, Value: value, Err: err}
}

// KindOf returns the kind of the first taxonomy error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind(), true
	}
	return "", false
}

func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Retryable()
}

func IsStateCorruption(err error) bool {
	var target *StateCorruptionError
	return errors.As(err, &target)
}

func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}

func IsSinkUnavailable(err error) bool {
	var target *SinkUnavailableError
	return errors.As(err, &target)
}

func IsSerialization(err error) bool {
	var target *SerializationError
	return errors.As(err, &target)
}
