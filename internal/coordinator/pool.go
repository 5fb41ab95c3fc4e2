package coordinator

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/ratelimit"
)

// Pool runs fetch tasks on a bounded set of workers. Every execution is
// gated by the shared rate gate before the upstream round-trip.
type Pool struct {
	source  fetcher.Source
	gate    *ratelimit.Gate
	workers int
}

// NewPool creates a pool with the given concurrency. A workers value below
// one is treated as one.
func NewPool(source fetcher.Source, gate *ratelimit.Gate, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{source: source, gate: gate, workers: workers}
}

// Run executes each task once and streams results in completion order.
// The channel is closed after the last result.
func (p *Pool) Run(ctx context.Context, tasks []fetcher.Task, attempt int) <-chan fetcher.Result {
	results := make(chan fetcher.Result, len(tasks))

	workers := pool.New().WithMaxGoroutines(p.workers)
	go func() {
		defer close(results)
		for _, task := range tasks {
			workers.Go(func() {
				results <- p.execute(ctx, task, attempt)
			})
		}
		workers.Wait()
	}()

	return results
}

// execute performs a single gated round-trip. Errors are captured in the
// result; nothing is retried here.
func (p *Pool) execute(ctx context.Context, task fetcher.Task, attempt int) fetcher.Result {
	start := time.Now()

	if p.gate != nil {
		if _, err := p.gate.Acquire(ctx); err != nil {
			r := fetcher.NewResult(task, nil, err)
			r.Attempt = attempt
			r.Elapsed = time.Since(start)
			return r
		}
	}

	bars, err := p.source.Fetch(ctx, task)
	r := fetcher.NewResult(task, bars, err)
	r.Attempt = attempt
	r.Elapsed = time.Since(start)
	return r
}
