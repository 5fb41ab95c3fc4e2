package fetcher

import (
	"context"

	"stockpipeline/internal/model"
)

// Task is the unit of fetch work: one instrument over one date window.
// Tasks are created once per run and never mutated.
type Task struct {
	// Code is the instrument identifier, e.g. 000001.SZ
	Code string

	// StartDate and EndDate bound the window, inclusive, as YYYYMMDD.
	StartDate string
	EndDate   string

	// Token is the upstream credential used for every call of this task.
	Token string
}

// Source is the core interface that upstream data sources must implement.
// A source performs the full round-trip for one task and returns the merged
// bars. It must not retry: retries are driven across passes by the
// coordinator.
type Source interface {
	// Fetch retrieves all bars for the task. A nil error with no bars means
	// the upstream has no data for the window (suspended or newly listed
	// instrument).
	Fetch(ctx context.Context, task Task) ([]model.Bar, error)
}
