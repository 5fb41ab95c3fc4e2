// Package progress renders a single in-place status line for long-running
// phases and keeps exact counters for the final summary.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Outcome classifies one completion event.
type Outcome int

const (
	Succeeded Outcome = iota
	Empty
	Failed
)

// Event is one completion. Units is the amount of work it represents
// (instruments, rows); zero counts as one.
type Event struct {
	ID      string
	Outcome Outcome
	Units   int
}

// Summary is the final state of a reporter.
type Summary struct {
	Label     string
	Total     int64
	Completed int64
	Succeeded int64
	Empty     int64
	Failed    int64
	Elapsed   time.Duration
}

// Rate returns successful units per elapsed second.
func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Succeeded) / s.Elapsed.Seconds()
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d/%d done, ok=%d empty=%d failed=%d, elapsed=%s",
		s.Label, s.Completed, s.Total, s.Succeeded, s.Empty, s.Failed, s.Elapsed.Round(time.Millisecond))
}

// Reporter counts completion events and renders a throttled status line.
// Record never blocks the caller; rendering happens on a dedicated goroutine.
type Reporter struct {
	label string
	unit  string
	total int64
	out   io.Writer
	start time.Time

	completed atomic.Int64
	succeeded atomic.Int64
	empty     atomic.Int64
	failed    atomic.Int64
	current   atomic.Value

	throttle rate.Sometimes
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	summary  Summary
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithUnit sets the unit name shown next to the rate, "items" by default.
func WithUnit(unit string) Option {
	return func(r *Reporter) { r.unit = unit }
}

// WithInterval sets the minimum time between two renders.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) { r.throttle = rate.Sometimes{First: 1, Interval: d} }
}

// New starts a reporter for total units of work writing to out.
func New(out io.Writer, label string, total int, opts ...Option) *Reporter {
	r := &Reporter{
		label:    label,
		unit:     "items",
		total:    int64(total),
		out:      out,
		start:    time.Now(),
		throttle: rate.Sometimes{First: 1, Interval: 200 * time.Millisecond},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store("")
	go r.loop()
	return r
}

// Record counts one completion event.
func (r *Reporter) Record(e Event) {
	units := int64(e.Units)
	if units <= 0 {
		units = 1
	}
	r.completed.Add(units)
	switch e.Outcome {
	case Succeeded:
		r.succeeded.Add(units)
	case Empty:
		r.empty.Add(units)
	default:
		r.failed.Add(units)
	}
	r.current.Store(e.ID)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop renders the final line, terminates it and returns the summary.
// It is safe to call more than once.
func (r *Reporter) Stop() Summary {
	r.stopOnce.Do(func() {
		close(r.done)
		<-r.stopped
	})
	return r.summary
}

func (r *Reporter) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.wake:
			r.throttle.Do(func() { r.render() })
		case <-r.done:
			s := r.render()
			fmt.Fprintln(r.out)
			r.summary = s
			return
		}
	}
}

func (r *Reporter) snapshot() Summary {
	return Summary{
		Label:     r.label,
		Total:     r.total,
		Completed: r.completed.Load(),
		Succeeded: r.succeeded.Load(),
		Empty:     r.empty.Load(),
		Failed:    r.failed.Load(),
		Elapsed:   time.Since(r.start),
	}
}

func (r *Reporter) render() Summary {
	s := r.snapshot()
	percent := 100.0
	if s.Total > 0 {
		percent = float64(s.Completed) / float64(s.Total) * 100
	}
	fmt.Fprintf(r.out, "\r%s: %d/%d (%.1f%%) ok=%d empty=%d failed=%d current=%s elapsed=%.2fs rate=%.2f %s/s",
		s.Label, s.Completed, s.Total, percent, s.Succeeded, s.Empty, s.Failed,
		r.current.Load().(string), s.Elapsed.Seconds(), s.Rate(), r.unit)
	return s
}
