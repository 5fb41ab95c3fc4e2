package loader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stockpipeline/internal/model"
	"stockpipeline/internal/progress"
	"stockpipeline/internal/store"
	"stockpipeline/internal/testutil"
)

type storedRow struct {
	TsCode    string
	TradeDate string
	Cycle     string
	Close     *float64
	Open      *float64
	Pe        *float64
}

func setup(t *testing.T, opts ...store.ManagerOption) (*store.Manager, *store.Schema) {
	t.Helper()
	m, err := store.NewManager(testutil.SQLiteConfig(t), opts...)
	require.NoError(t, err)
	return m, store.NewSchema(m.Dialect(), "", "")
}

func readAll(t *testing.T, m *store.Manager) []storedRow {
	t.Helper()
	db, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer store.Close(db)

	var rows []storedRow
	require.NoError(t, db.Raw(`SELECT "ts_code", "trade_date", "cycle", "close", "open", "pe" FROM "stock_data" ORDER BY "ts_code", "trade_date"`).Scan(&rows).Error)
	return rows
}

func TestPartition(t *testing.T) {
	batches := Partition(250_000, DefaultBatchSize)
	require.Len(t, batches, 3)
	assert.Equal(t, Batch{Index: 0, Start: 0, End: 100_000}, batches[0])
	assert.Equal(t, Batch{Index: 1, Start: 100_000, End: 200_000}, batches[1])
	assert.Equal(t, 50_000, batches[2].Len())

	total := 0
	for i, b := range batches {
		if i > 0 {
			assert.Equal(t, batches[i-1].End, b.Start, "batches are contiguous")
		}
		total += b.Len()
	}
	assert.Equal(t, 250_000, total)

	assert.Len(t, Partition(100_000, DefaultBatchSize), 1)
	assert.Empty(t, Partition(0, 10))
	assert.Len(t, Partition(7, 0), 1)
}

func TestLoad_InsertsAllRows(t *testing.T) {
	m, schema := setup(t)
	bars := append(testutil.Bars("000001.SZ", 12), testutil.Bars("600000.SH", 13)...)

	l := New(m, schema, WithBatchSize(10), WithWorkers(1))
	report, err := l.Load(context.Background(), bars)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 25, report.RowsCommitted)
	assert.False(t, report.Partial())
	assert.NoError(t, report.AnalyzeErr)
	assert.Len(t, readAll(t, m), 25)
}

func TestLoad_IsIdempotent(t *testing.T) {
	m, schema := setup(t)
	bars := testutil.Bars("000001.SZ", 20)
	l := New(m, schema, WithBatchSize(7), WithWorkers(2))

	_, err := l.Load(context.Background(), bars)
	require.NoError(t, err)
	first := readAll(t, m)

	_, err = l.Load(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, first, readAll(t, m))
}

func TestLoad_OverwritesExistingKey(t *testing.T) {
	m, schema := setup(t)
	l := New(m, schema)

	_, err := l.Load(context.Background(), []model.Bar{
		testutil.Bar("000001.SZ", "20240102", 10.0),
		testutil.Bar("000001.SZ", "20240103", 10.5),
	})
	require.NoError(t, err)

	updated := testutil.Bar("000001.SZ", "20240102", 11.25)
	updated.Pe = nil
	_, err = l.Load(context.Background(), []model.Bar{updated})
	require.NoError(t, err)

	rows := readAll(t, m)
	require.Len(t, rows, 2)
	assert.Equal(t, 11.25, *rows[0].Close)
	assert.Nil(t, rows[0].Pe, "a null metric overwrites the stored value")
	assert.Equal(t, 10.5, *rows[1].Close, "other keys are untouched")
	assert.Equal(t, 12.5, *rows[1].Pe)
}

func TestLoad_StoresNonFiniteAsNull(t *testing.T) {
	m, schema := setup(t)
	b := testutil.Bar("000001.SZ", "20240102", 10.0)
	b.Open = model.Float(math.NaN())
	b.Pe = model.Float(math.Inf(1))

	_, err := New(m, schema).Load(context.Background(), []model.Bar{b})
	require.NoError(t, err)

	rows := readAll(t, m)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Open)
	assert.Nil(t, rows[0].Pe)
	assert.Equal(t, 10.0, *rows[0].Close)
	assert.True(t, math.IsNaN(*b.Open), "input bars are not modified")
}

func TestLoad_IsolatesFailedBatch(t *testing.T) {
	// Dials in order with one worker: schema, batch 0, three failing
	// attempts for batch 1, batch 2, statistics.
	var dials atomic.Int32
	backing, err := store.NewManager(testutil.SQLiteConfig(t))
	require.NoError(t, err)
	m, schema := setup(t, store.WithDialFunc(func(ctx context.Context) (*gorm.DB, error) {
		n := dials.Add(1)
		if n >= 3 && n <= 5 {
			return nil, errors.New("connection refused")
		}
		return backing.Connect(ctx)
	}))

	var bars []model.Bar
	for i := 0; i < 25; i++ {
		code := "000001.SZ"
		if i >= 10 {
			code = "000002.SZ"
		}
		if i >= 20 {
			code = "000003.SZ"
		}
		bars = append(bars, testutil.Bar(code, fmt.Sprintf("202401%02d", i+1), float64(i)))
	}

	var events []progress.Event
	rec := &recordingProgress{record: func(e progress.Event) { events = append(events, e) }}
	l := New(m, schema, WithBatchSize(10), WithWorkers(1), WithProgress(func(string, int) Progress { return rec }))

	report, err := l.Load(context.Background(), bars)
	require.NoError(t, err)

	assert.Equal(t, int32(7), dials.Load())
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 15, report.RowsCommitted)
	assert.Equal(t, 10, report.RowsFailed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 1, report.Failures[0].Batch.Index)
	assert.ErrorIs(t, report.Failures[0].Err, store.ErrUnavailable)
	assert.True(t, report.Partial())

	rows := readAll(t, backing)
	require.Len(t, rows, 15)
	for _, r := range rows {
		assert.NotEqual(t, "000002.SZ", r.TsCode)
	}

	require.Len(t, events, 3)
	assert.Equal(t, progress.Failed, events[1].Outcome)
	assert.Equal(t, 10, events[1].Units)
	assert.Equal(t, 5, events[2].Units)
}

func TestLoad_ConcurrentBatches(t *testing.T) {
	m, schema := setup(t)
	var bars []model.Bar
	for _, code := range []string{"000001.SZ", "000002.SZ", "600000.SH", "600519.SH"} {
		bars = append(bars, testutil.Bars(code, 10)...)
	}

	report, err := New(m, schema, WithBatchSize(5), WithWorkers(4)).Load(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Batches)
	assert.Equal(t, 40, report.RowsCommitted)
	assert.Len(t, readAll(t, m), 40)
}

func TestLoad_SchemaFailureIsFatal(t *testing.T) {
	m, schema := setup(t, store.WithDialFunc(func(context.Context) (*gorm.DB, error) {
		return nil, errors.New("connection refused")
	}))

	report, err := New(m, schema).Load(context.Background(), testutil.Bars("000001.SZ", 3))
	assert.Nil(t, report)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestLoad_EmptyInput(t *testing.T) {
	m, schema := setup(t, store.WithDialFunc(func(context.Context) (*gorm.DB, error) {
		t.Fatal("no connection expected")
		return nil, nil
	}))

	report, err := New(m, schema).Load(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.Batches)
}

type recordingProgress struct {
	record func(progress.Event)
}

func (p *recordingProgress) Record(e progress.Event) { p.record(e) }

func (p *recordingProgress) Stop() progress.Summary { return progress.Summary{} }
