package coordinator

import (
	"time"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/progress"
)

// Outcome holds exactly one final result per task, in submission order.
type Outcome struct {
	order        []string
	index        map[string]int
	results      map[string]fetcher.Result
	passes       int
	failureSizes []int

	// Summaries has one progress summary per pass.
	Summaries []progress.Summary
	Elapsed   time.Duration
}

// Results returns the final result of every task in submission order.
func (o *Outcome) Results() []fetcher.Result {
	out := make([]fetcher.Result, 0, len(o.order))
	for _, code := range o.order {
		if r, ok := o.results[code]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Result returns the final result for an instrument.
func (o *Outcome) Result(code string) (fetcher.Result, bool) {
	r, ok := o.results[code]
	return r, ok
}

// Succeeded returns the successful results in submission order.
func (o *Outcome) Succeeded() []fetcher.Result { return o.filter(fetcher.StatusSuccess) }

// Empty returns the results without data in submission order.
func (o *Outcome) Empty() []fetcher.Result { return o.filter(fetcher.StatusEmpty) }

// Failed returns the results still failing after the last pass.
func (o *Outcome) Failed() []fetcher.Result { return o.filter(fetcher.StatusFailure) }

// FailedCodes returns the identifiers of the failed instruments.
func (o *Outcome) FailedCodes() []string {
	failed := o.Failed()
	codes := make([]string, 0, len(failed))
	for _, r := range failed {
		codes = append(codes, r.Task.Code)
	}
	return codes
}

// Passes returns how many passes ran, including the first one.
func (o *Outcome) Passes() int { return o.passes }

// FailureSizes returns the size of the failure set after each pass.
func (o *Outcome) FailureSizes() []int { return o.failureSizes }

// Partial reports whether some tasks are still failing.
func (o *Outcome) Partial() bool { return len(o.Failed()) > 0 }

func (o *Outcome) filter(s fetcher.Status) []fetcher.Result {
	var out []fetcher.Result
	for _, r := range o.Results() {
		if r.Status == s {
			out = append(out, r)
		}
	}
	return out
}
