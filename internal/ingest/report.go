package ingest

import (
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
	"github.com/lakehouse/extractor/internal/sink"
)

// State is a step of the per-table ingestion state machine:
//
//	IDLE -> READING -> EMPTY
//	IDLE -> READING -> WRITING -> ADVANCING -> DONE
//
// Any step may end in FAILED.
type State string

const (
	StateIdle      State = "IDLE"
	StateReading   State = "READING"
	StateEmpty     State = "EMPTY"
	StateWriting   State = "WRITING"
	StateAdvancing State = "ADVANCING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeNoop    Outcome = "noop"
	OutcomeFailed  Outcome = "failed"
)

// TableResult describes one table's run within a cycle.
type TableResult struct {
	Table   string
	Outcome Outcome
	// State is the terminal state; FailedAt is the state the run was in
	// when it failed.
	State    State
	FailedAt State

	// Since is the lower bound the rows were read with.
	Since time.Time
	// Checkpoint is the watermark in effect after the run.
	Checkpoint time.Time
	// Attempted is the watermark the run tried to advance to, if it got
	// that far.
	Attempted time.Time

	Rows     int
	Location sink.Location
	Duration time.Duration

	Kind cdc.ErrorKind
	Err  error
}

// RunReport collects the results of one cycle in configuration order.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Results   []TableResult
}

func (r *RunReport) HasFailures() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

func (r *RunReport) Failed() []TableResult {
	var failed []TableResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *RunReport) Counts() (success, noop, failed int) {
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeNoop:
			noop++
		case OutcomeFailed:
			failed++
		}
	}
	return success, noop, failed
}

func (r *RunReport) Rows() int {
	total := 0
	for _, res := range r.Results {
		total += res.Rows
	}
	return total
}
