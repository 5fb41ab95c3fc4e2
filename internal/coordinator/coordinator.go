package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/logger"
	"stockpipeline/internal/progress"
)

// DefaultMaxRetries is the number of extra passes over failed tasks.
const DefaultMaxRetries = 3

// Progress receives one event per completed task of a pass.
type Progress interface {
	Record(e progress.Event)
	Stop() progress.Summary
}

// ProgressFunc creates the progress sink for one pass.
type ProgressFunc func(label string, total int) Progress

// Coordinator drives the initial pass and the retry passes over failures.
type Coordinator struct {
	pool        *Pool
	maxRetries  int
	newProgress ProgressFunc
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMaxRetries sets the number of retry passes after the first one.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithProgress installs a progress sink factory.
func WithProgress(f ProgressFunc) Option {
	return func(c *Coordinator) { c.newProgress = f }
}

// New creates a Coordinator running passes on the given pool.
func New(p *Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		pool:       p,
		maxRetries: DefaultMaxRetries,
		newProgress: func(string, int) Progress {
			return nopProgress{}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes all tasks, then sweeps the current failure set through fresh
// pool runs until it is empty or the retry budget is spent. A pass starts
// only after the previous one has fully drained. Tasks that return no data
// are final and never retried.
//
// Tasks still failing at the end are reported through Outcome.Failed; that
// is a partial success, not an error. The error is non-nil only when tasks
// are invalid or the context is canceled.
func (c *Coordinator) Run(ctx context.Context, tasks []fetcher.Task) (*Outcome, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks configured")
	}

	out := &Outcome{
		results: make(map[string]fetcher.Result, len(tasks)),
		index:   make(map[string]int, len(tasks)),
	}
	for i, t := range tasks {
		if _, dup := out.index[t.Code]; dup {
			return nil, fmt.Errorf("duplicate task for instrument %s", t.Code)
		}
		out.index[t.Code] = i
		out.order = append(out.order, t.Code)
	}

	start := time.Now()
	pending := tasks
	for pass := 0; pass <= c.maxRetries && len(pending) > 0; pass++ {
		label := "fetch"
		if pass > 0 {
			label = fmt.Sprintf("retry %d/%d", pass, c.maxRetries)
			logger.WithFields(logrus.Fields{
				"pass":    pass,
				"pending": len(pending),
			}).Info("retrying failed instruments")
		}

		pending = c.runPass(ctx, out, pending, pass, label)
		out.passes++
		out.failureSizes = append(out.failureSizes, len(pending))

		if err := ctx.Err(); err != nil {
			out.Elapsed = time.Since(start)
			return out, err
		}
	}
	out.Elapsed = time.Since(start)

	return out, nil
}

// runPass drains one pool run and returns the tasks that failed in it, in
// submission order.
func (c *Coordinator) runPass(ctx context.Context, out *Outcome, tasks []fetcher.Task, pass int, label string) []fetcher.Task {
	prog := c.newProgress(label, len(tasks))

	var failed []fetcher.Task
	for r := range c.pool.Run(ctx, tasks, pass) {
		out.results[r.Task.Code] = r
		prog.Record(progress.Event{ID: r.Task.Code, Outcome: toProgress(r.Status)})

		if r.Status == fetcher.StatusFailure {
			failed = append(failed, r.Task)
			logger.WithFields(logrus.Fields{
				"instrument": r.Task.Code,
				"pass":       pass,
				"retryable":  fetcher.IsRetryable(r.Err),
				"error":      r.Err,
			}).Debug("fetch failed")
		}
	}
	out.Summaries = append(out.Summaries, prog.Stop())

	sort.Slice(failed, func(i, j int) bool {
		return out.index[failed[i].Code] < out.index[failed[j].Code]
	})
	return failed
}

func toProgress(s fetcher.Status) progress.Outcome {
	switch s {
	case fetcher.StatusSuccess:
		return progress.Succeeded
	case fetcher.StatusEmpty:
		return progress.Empty
	default:
		return progress.Failed
	}
}

type nopProgress struct{}

func (nopProgress) Record(progress.Event) {}

func (nopProgress) Stop() progress.Summary { return progress.Summary{} }
