package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpipeline/internal/config"
	"stockpipeline/internal/instruments"
	"stockpipeline/internal/runlock"
	"stockpipeline/internal/snapshot"
	"stockpipeline/internal/store"
	"stockpipeline/internal/testutil"
)

// fakeMarket answers daily and daily_basic queries per instrument. Codes in
// failing get an upstream rate-limit error; codes without rows get an empty
// table.
type fakeMarket struct {
	mu      sync.Mutex
	rows    map[string][]string
	failing map[string]bool
	calls   map[string]int
}

func (m *fakeMarket) reply(q testutil.TushareQuery) testutil.TushareReply {
	code := q.Params["ts_code"]

	m.mu.Lock()
	m.calls[q.APIName+" "+code]++
	m.mu.Unlock()

	if m.failing[code] {
		return testutil.TushareReply{Code: 40203, Msg: "rate limited"}
	}
	switch q.APIName {
	case "daily":
		items := [][]any{}
		for i, date := range m.rows[code] {
			items = append(items, testutil.DailyRow(code, date, 10+float64(i)))
		}
		return testutil.TushareReply{Fields: testutil.DailyFields, Items: items}
	case "daily_basic":
		items := [][]any{}
		for _, date := range m.rows[code] {
			items = append(items, testutil.BasicRow(code, date, 7.5))
		}
		return testutil.TushareReply{Fields: testutil.BasicFields, Items: items}
	}
	return testutil.TushareReply{Code: 40101, Msg: "unknown api"}
}

func (m *fakeMarket) callCount(api, code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[api+" "+code]
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		rows: map[string][]string{
			"000001.SZ": {"20240102", "20240103", "20240104"},
			"600000.SH": {"20240102", "20240103"},
		},
		failing: map[string]bool{},
		calls:   map[string]int{},
	}
}

func writeInstruments(t *testing.T, dir, name string, codes ...string) {
	t.Helper()
	content := "ts_code,name\n"
	for _, c := range codes {
		content += c + ",x\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	writeInstruments(t, dataDir, "stock_basic_20231201.csv", "999999.SZ")
	writeInstruments(t, dataDir, "stock_basic_20240105.csv", "000001.SZ", "600000.SH", "300750.SZ")

	return &config.Config{
		Token:              "test_token",
		BaseURL:            baseURL,
		HTTPTimeout:        5 * time.Second,
		DataDir:            dataDir,
		OutputDir:          t.TempDir(),
		InstrumentsPattern: "stock_basic_*.csv",
		StartDate:          "20240101",
		EndDate:            "20240131",
		Cycle:              "daily",
		FetchWorkers:       2,
		FetchInterval:      time.Millisecond,
		FetchRetries:       2,
		LoadWorkers:        2,
		BatchSize:          2,
		DB:                 testutil.SQLiteConfig(t),
	}
}

func countRows(t *testing.T, cfg store.Config) int64 {
	t.Helper()
	m, err := store.NewManager(cfg)
	require.NoError(t, err)
	db, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer store.Close(db)

	var n int64
	require.NoError(t, db.Table(store.DefaultTable).Count(&n).Error)
	return n
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(StatusOK, nil))
	assert.Equal(t, ExitPartial, ExitCode(StatusPartial, nil))
	assert.Equal(t, ExitFatal, ExitCode(StatusOK, errors.New("boom")))
	assert.Equal(t, ExitFatal, ExitCode(StatusPartial, errors.New("boom")))
}

func TestRun_FetchAndLoad(t *testing.T) {
	market := newFakeMarket()
	srv := testutil.NewTushareServer(t, market.reply)
	cfg := testConfig(t, srv.URL)

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)

	assert.Len(t, report.Fetch.Succeeded(), 2)
	assert.Len(t, report.Fetch.Empty(), 1, "an instrument without rows is empty, not failed")
	assert.Equal(t, 1, market.callCount("daily", "300750.SZ"), "empty results are not retried")
	assert.Zero(t, market.callCount("daily", "999999.SZ"), "only the latest reference file is used")

	assert.Equal(t, snapshot.Path(cfg.OutputDir, "20240131"), report.Snapshot)
	bars, err := snapshot.Read(report.Snapshot)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, "000001.SZ", bars[0].TsCode, "snapshot keeps task order")
	assert.Equal(t, "600000.SH", bars[4].TsCode)

	require.NotNil(t, report.Load)
	assert.Equal(t, 3, report.Load.Batches)
	assert.Equal(t, 5, report.Load.RowsCommitted)
	assert.Equal(t, int64(5), countRows(t, cfg.DB))

	_, err = os.Stat(filepath.Join(cfg.OutputDir, runlock.FileName))
	assert.True(t, os.IsNotExist(err), "run lock is released")
}

func TestRun_RepeatedRunIsIdempotent(t *testing.T) {
	srv := testutil.NewTushareServer(t, newFakeMarket().reply)
	cfg := testConfig(t, srv.URL)

	for i := 0; i < 2; i++ {
		report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusOK, report.Status)
	}
	assert.Equal(t, int64(5), countRows(t, cfg.DB))
}

func TestRun_PersistentFailureIsPartial(t *testing.T) {
	market := newFakeMarket()
	market.failing["600000.SH"] = true
	srv := testutil.NewTushareServer(t, market.reply)
	cfg := testConfig(t, srv.URL)

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, ExitPartial, ExitCode(report.Status, err))

	assert.Equal(t, []string{"600000.SH"}, report.Fetch.FailedCodes())
	assert.Equal(t, 3, market.callCount("daily", "600000.SH"), "one initial pass and two retries")
	assert.Equal(t, int64(3), countRows(t, cfg.DB), "failed instruments are excluded")
}

func TestRun_NothingFetched(t *testing.T) {
	market := newFakeMarket()
	market.rows = map[string][]string{}
	srv := testutil.NewTushareServer(t, market.reply)
	cfg := testConfig(t, srv.URL)

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Empty(t, report.Snapshot)
	assert.Nil(t, report.Load)
	assert.NoFileExists(t, snapshot.Path(cfg.OutputDir, cfg.EndDate))
}

func TestRun_SkipFetchLoadsExistingSnapshot(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.SkipFetch = true

	path, err := snapshot.Write(cfg.OutputDir, cfg.EndDate, testutil.Bars("000001.SZ", 4))
	require.NoError(t, err)

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Fetch)
	assert.Equal(t, path, report.Snapshot)
	assert.Equal(t, int64(4), countRows(t, cfg.DB))
}

func TestRun_SkipLoad(t *testing.T) {
	srv := testutil.NewTushareServer(t, newFakeMarket().reply)
	cfg := testConfig(t, srv.URL)
	cfg.SkipLoad = true
	cfg.DB.Path = filepath.Join(t.TempDir(), "missing", "never.db")

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Load)
	assert.FileExists(t, report.Snapshot)
}

func TestRun_StoreUnavailableIsFatal(t *testing.T) {
	srv := testutil.NewTushareServer(t, newFakeMarket().reply)
	cfg := testConfig(t, srv.URL)
	cfg.DB.Path = filepath.Join(t.TempDir(), "missing", "never.db")

	report, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, ExitFatal, ExitCode(report.Status, err))
	assert.FileExists(t, report.Snapshot, "the snapshot survives a failed load")
}

func TestRun_MissingReferenceFileIsFatal(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.DataDir = t.TempDir()

	_, err := New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	assert.ErrorIs(t, err, instruments.ErrNoReferenceFile)
}

func TestRun_ConcurrentRunIsRejected(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	lock, err := runlock.Acquire(cfg.OutputDir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = New(cfg, WithProgressOutput(io.Discard)).Run(context.Background())
	assert.ErrorIs(t, err, runlock.ErrLocked)
}

func TestRun_CanceledIsFatal(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	src := &testutil.MockSource{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(cfg, WithSource(src), WithProgressOutput(io.Discard)).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
