// Package pipeline wires the fetch and load phases into one run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"stockpipeline/internal/archive"
	"stockpipeline/internal/config"
	"stockpipeline/internal/coordinator"
	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/instruments"
	"stockpipeline/internal/loader"
	"stockpipeline/internal/logger"
	"stockpipeline/internal/model"
	"stockpipeline/internal/progress"
	"stockpipeline/internal/ratelimit"
	"stockpipeline/internal/runlock"
	"stockpipeline/internal/snapshot"
	"stockpipeline/internal/store"
	"stockpipeline/internal/tushare"
)

// Status is the outcome of a run that did not abort.
type Status int

const (
	StatusOK Status = iota
	StatusPartial
)

func (s Status) String() string {
	if s == StatusPartial {
		return "partial"
	}
	return "ok"
}

// Exit codes of the command.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// ExitCode maps a run result to the process exit code.
func ExitCode(s Status, err error) int {
	switch {
	case err != nil:
		return ExitFatal
	case s == StatusPartial:
		return ExitPartial
	default:
		return ExitOK
	}
}

// Report describes what a run did.
type Report struct {
	Status   Status
	Snapshot string
	Archived string
	Fetch    *coordinator.Outcome
	Load     *loader.Report
}

// Pipeline runs the configured phases.
type Pipeline struct {
	cfg    *config.Config
	out    io.Writer
	source fetcher.Source
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithProgressOutput sets where progress lines are written, stdout by default.
func WithProgressOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithSource replaces the Tushare source.
func WithSource(src fetcher.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// New creates a Pipeline for a validated configuration.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the fetch phase, then the load phase, skipping whichever the
// configuration disables. A non-nil error means the run aborted; failures of
// single instruments or batches only downgrade the status to partial.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	lock, err := runlock.Acquire(p.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warnf("release run lock: %v", err)
		}
	}()

	report := &Report{Status: StatusOK}
	snapshotPath := p.cfg.Snapshot
	if snapshotPath == "" {
		snapshotPath = snapshot.Path(p.cfg.OutputDir, p.cfg.EndDate)
	}

	if !p.cfg.SkipFetch {
		written, err := p.fetch(ctx, report)
		if err != nil {
			return report, err
		}
		if !written {
			logger.Warnf("no data fetched; snapshot not written, load skipped")
			return report, nil
		}
		snapshotPath = report.Snapshot
	}

	if !p.cfg.SkipLoad {
		if err := p.load(ctx, snapshotPath, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (p *Pipeline) fetch(ctx context.Context, report *Report) (bool, error) {
	ref, err := instruments.Latest(p.cfg.DataDir, p.cfg.InstrumentsPattern)
	if err != nil {
		return false, err
	}
	codes, err := instruments.Load(ref)
	if err != nil {
		return false, err
	}
	if len(codes) == 0 {
		return false, fmt.Errorf("no instruments in %s", ref)
	}

	cycle, err := model.ParseCycle(p.cfg.Cycle)
	if err != nil {
		return false, err
	}

	tasks := make([]fetcher.Task, len(codes))
	for i, code := range codes {
		tasks[i] = fetcher.Task{
			Code:      code,
			StartDate: p.cfg.StartDate,
			EndDate:   p.cfg.EndDate,
			Token:     p.cfg.Token,
		}
	}

	logger.WithFields(logrus.Fields{
		"instruments": len(tasks),
		"reference":   ref,
		"window":      p.cfg.StartDate + "-" + p.cfg.EndDate,
		"cycle":       cycle,
		"estimated":   (time.Duration(len(tasks)) * p.cfg.FetchInterval).Round(time.Second),
	}).Info("starting fetch")

	src := p.source
	if src == nil {
		src = tushare.NewBarSource(tushare.NewClient(p.cfg.BaseURL, p.cfg.HTTPTimeout), cycle)
	}
	gate := ratelimit.NewGate(p.cfg.FetchInterval)
	coord := coordinator.New(
		coordinator.NewPool(src, gate, p.cfg.FetchWorkers),
		coordinator.WithMaxRetries(p.cfg.FetchRetries),
		coordinator.WithProgress(func(label string, total int) coordinator.Progress {
			return progress.New(p.out, label, total, progress.WithUnit("instruments"))
		}),
	)

	outcome, err := coord.Run(ctx, tasks)
	report.Fetch = outcome
	if err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}

	fields := logrus.Fields{
		"succeeded": len(outcome.Succeeded()),
		"empty":     len(outcome.Empty()),
		"failed":    len(outcome.Failed()),
		"passes":    outcome.Passes(),
		"elapsed":   outcome.Elapsed.Round(time.Millisecond),
	}
	if outcome.Partial() {
		report.Status = StatusPartial
		fields["failed_instruments"] = outcome.FailedCodes()
		logger.WithFields(fields).Warn("fetch finished with failures")
	} else {
		logger.WithFields(fields).Info("fetch finished")
	}

	bars := snapshot.Merge(outcome)
	if len(bars) == 0 {
		return false, nil
	}
	path, err := snapshot.Write(p.cfg.OutputDir, p.cfg.EndDate, bars)
	if err != nil {
		return false, err
	}
	report.Snapshot = path
	logger.WithFields(logrus.Fields{"path": path, "rows": len(bars)}).Info("snapshot written")

	if p.cfg.Archive.Enabled() {
		report.Archived = p.archive(ctx, path)
	}
	return true, nil
}

// archive copies the snapshot to object storage. Failures are logged only.
func (p *Pipeline) archive(ctx context.Context, path string) string {
	up, err := archive.New(p.cfg.Archive)
	if err == nil {
		var object string
		if object, err = up.Upload(ctx, path); err == nil {
			return object
		}
	}
	logger.Warnf("snapshot archive failed: %v", err)
	return ""
}

func (p *Pipeline) load(ctx context.Context, path string, report *Report) error {
	bars, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	report.Snapshot = path

	mgr, err := store.NewManager(p.cfg.DB)
	if err != nil {
		return err
	}
	l := loader.New(mgr, store.NewSchema(mgr.Dialect(), "", ""),
		loader.WithBatchSize(p.cfg.BatchSize),
		loader.WithWorkers(p.cfg.LoadWorkers),
		loader.WithProgress(func(label string, total int) loader.Progress {
			return progress.New(p.out, label, total, progress.WithUnit("rows"))
		}),
	)

	res, err := l.Load(ctx, bars)
	report.Load = res
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	fields := logrus.Fields{
		"rows":      res.RowsAttempted,
		"committed": res.RowsCommitted,
		"failed":    res.RowsFailed,
		"batches":   res.Batches,
		"elapsed":   res.Elapsed.Round(time.Millisecond),
	}
	if res.Partial() {
		report.Status = StatusPartial
		failed := make([]int, len(res.Failures))
		for i, f := range res.Failures {
			failed[i] = f.Batch.Index
		}
		fields["failed_batches"] = failed
		logger.WithFields(fields).Warn("load finished with failures")
	} else {
		logger.WithFields(fields).Info("load finished")
	}
	return nil
}
