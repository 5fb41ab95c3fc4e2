package fetcher

import (
	"time"

	"stockpipeline/internal/model"
)

// Status is the outcome class of one task execution.
type Status int

const (
	// StatusSuccess means the task produced at least one bar.
	StatusSuccess Status = iota
	// StatusEmpty means the upstream answered without data. It is final.
	StatusEmpty
	// StatusFailure means the execution failed and may be retried.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result represents the outcome of a single task execution.
// It's designed to be sent through channels from worker goroutines
// to the coordinator that decides retry membership.
type Result struct {
	Task   Task
	Status Status

	// Bars holds the merged payload when Status is StatusSuccess.
	Bars []model.Bar

	// Err is set when Status is StatusFailure.
	Err error

	// Attempt is the pass that produced this result, 0 for the first pass.
	Attempt int

	Elapsed time.Duration
}

// NewResult classifies the output of Source.Fetch.
func NewResult(task Task, bars []model.Bar, err error) Result {
	switch {
	case err != nil:
		return Result{Task: task, Status: StatusFailure, Err: err}
	case len(bars) == 0:
		return Result{Task: task, Status: StatusEmpty}
	default:
		return Result{Task: task, Status: StatusSuccess, Bars: bars}
	}
}
