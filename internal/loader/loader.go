package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"

	"stockpipeline/internal/logger"
	"stockpipeline/internal/model"
	"stockpipeline/internal/progress"
	"stockpipeline/internal/store"
)

const (
	DefaultBatchSize = 100_000
	DefaultWorkers   = 4

	// insertChunk bounds the rows per multi-row INSERT into the staging table.
	insertChunk = 1000
)

// Progress receives one event per finished batch, weighted by its rows.
type Progress interface {
	Record(e progress.Event)
	Stop() progress.Summary
}

// ProgressFunc creates the progress sink for a load.
type ProgressFunc func(label string, total int) Progress

// Failure is a batch whose rows were not committed.
type Failure struct {
	Batch Batch
	Err   error
}

// Report summarizes one load.
type Report struct {
	Batches       int
	FailedBatches int
	RowsAttempted int
	RowsCommitted int
	RowsFailed    int
	Failures      []Failure
	// AnalyzeErr is set when the statistics refresh failed. Rows are
	// committed regardless.
	AnalyzeErr error
	Summary    progress.Summary
	Elapsed    time.Duration
}

// Partial reports whether any batch failed.
func (r *Report) Partial() bool {
	return r.FailedBatches > 0
}

// Loader upserts bars into the destination table in parallel batches. Every
// batch runs on its own connection and its own staging table, so a failing
// batch never affects the others.
type Loader struct {
	conn        store.Connector
	schema      *store.Schema
	batchSize   int
	workers     int
	newProgress ProgressFunc
}

// Option customizes a Loader.
type Option func(*Loader)

// WithBatchSize sets the rows per batch.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithWorkers sets the maximum number of batches loaded at once.
func WithWorkers(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithProgress installs a progress sink factory.
func WithProgress(f ProgressFunc) Option {
	return func(l *Loader) { l.newProgress = f }
}

// New creates a Loader writing through conn with the statements of schema.
func New(conn store.Connector, schema *store.Schema, opts ...Option) *Loader {
	l := &Loader{
		conn:      conn,
		schema:    schema,
		batchSize: DefaultBatchSize,
		workers:   DefaultWorkers,
		newProgress: func(string, int) Progress {
			return nopProgress{}
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load writes bars to the destination table, inserting new keys and
// overwriting the metrics of existing ones.
//
// The returned error is non-nil only when the destination table cannot be
// ensured or the context is canceled. Failed batches are reported in the
// Report and leave the committed batches intact.
func (l *Loader) Load(ctx context.Context, bars []model.Bar) (*Report, error) {
	start := time.Now()
	report := &Report{RowsAttempted: len(bars)}
	if len(bars) == 0 {
		return report, nil
	}

	if err := l.ensureTable(ctx); err != nil {
		return nil, err
	}

	batches := Partition(len(bars), l.batchSize)
	report.Batches = len(batches)
	workers := min(l.workers, len(batches))

	logger.WithFields(logrus.Fields{
		"rows":    len(bars),
		"batches": len(batches),
		"workers": workers,
	}).Info("loading snapshot")

	prog := l.newProgress("load", len(bars))
	errs := make([]error, len(batches))
	p := pool.New().WithMaxGoroutines(workers)
	for i, b := range batches {
		p.Go(func() {
			err := l.loadBatch(ctx, bars[b.Start:b.End])
			errs[i] = err

			e := progress.Event{ID: fmt.Sprintf("batch %d", b.Index), Outcome: progress.Succeeded, Units: b.Len()}
			if err != nil {
				e.Outcome = progress.Failed
				logger.WithFields(logrus.Fields{
					"batch": b.Index,
					"rows":  b.Len(),
					"error": err,
				}).Warn("batch failed")
			}
			prog.Record(e)
		})
	}
	p.Wait()
	report.Summary = prog.Stop()

	for i, err := range errs {
		if err == nil {
			report.RowsCommitted += batches[i].Len()
			continue
		}
		report.FailedBatches++
		report.RowsFailed += batches[i].Len()
		report.Failures = append(report.Failures, Failure{Batch: batches[i], Err: err})
	}

	if err := ctx.Err(); err != nil {
		report.Elapsed = time.Since(start)
		return report, err
	}

	if report.RowsCommitted > 0 {
		if err := l.analyze(ctx); err != nil {
			report.AnalyzeErr = err
			logger.Warnf("statistics refresh failed: %v", err)
		}
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

func (l *Loader) ensureTable(ctx context.Context) error {
	db, err := l.conn.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer store.Close(db)
	return l.schema.EnsureTable(ctx, db)
}

func (l *Loader) analyze(ctx context.Context) error {
	db, err := l.conn.Connect(ctx)
	if err != nil {
		return err
	}
	defer store.Close(db)
	return l.schema.Refresh(ctx, db)
}

// loadBatch stages rows in a session temporary table and merges them into
// the destination in one transaction.
func (l *Loader) loadBatch(ctx context.Context, rows []model.Bar) error {
	db, err := l.conn.Connect(ctx)
	if err != nil {
		return err
	}
	defer store.Close(db)
	db = db.WithContext(ctx)

	if err := db.Exec(l.schema.CreateStaging).Error; err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}
	defer func() {
		if err := db.Exec(l.schema.DropStaging).Error; err != nil {
			logger.Debugf("drop staging table: %v", err)
		}
	}()
	if err := db.Exec(l.schema.ClearStaging).Error; err != nil {
		return fmt.Errorf("clear staging table: %w", err)
	}

	normalized := make([]model.Bar, len(rows))
	for i := range rows {
		normalized[i] = rows[i].Normalized()
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(l.schema.Staging).CreateInBatches(normalized, insertChunk).Error; err != nil {
			return fmt.Errorf("stage rows: %w", err)
		}
		if err := tx.Exec(l.schema.Upsert).Error; err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})
}

type nopProgress struct{}

func (nopProgress) Record(progress.Event) {}

func (nopProgress) Stop() progress.Summary { return progress.Summary{} }
