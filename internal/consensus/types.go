package consensus

import (
	"time"
)

type LogEntryType string

const (
	LogEntrySetWatermark   LogEntryType = "set_watermark"
	LogEntryResetWatermark LogEntryType = "reset_watermark"
)

// LogEntry is one replicated watermark mutation. Checkpoint is in
// watermark.TimeLayout; an empty checkpoint on a reset removes the record.
type LogEntry struct {
	Type       LogEntryType `json:"type"`
	TableName  string       `json:"table_name"`
	Checkpoint string       `json:"checkpoint,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

type snapshotData struct {
	Watermarks map[string]string `json:"watermarks"`
}
