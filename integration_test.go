package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stockpipeline/internal/snapshot"
	"stockpipeline/internal/store"
	"stockpipeline/internal/testutil"
)

// TestIntegration_FullRun drives the command end to end against a fake
// Tushare server and a SQLite store configured through the environment.
func TestIntegration_FullRun(t *testing.T) {
	// Create mock Tushare server
	tushareServer := testutil.NewTushareServer(t, func(q testutil.TushareQuery) testutil.TushareReply {
		code := q.Params["ts_code"]
		switch {
		case code == "688001.SH":
			return testutil.TushareReply{Code: 40203, Msg: "rate limited"}
		case q.APIName == "daily":
			return testutil.TushareReply{
				Fields: testutil.DailyFields,
				Items: [][]any{
					testutil.DailyRow(code, "20240102", 10.0),
					testutil.DailyRow(code, "20240103", 10.4),
				},
			}
		case q.APIName == "daily_basic":
			return testutil.TushareReply{
				Fields: testutil.BasicFields,
				Items:  [][]any{testutil.BasicRow(code, "20240102", 6.6)},
			}
		}
		return testutil.TushareReply{Code: -1, Msg: "unexpected api " + q.APIName}
	})

	dataDir := t.TempDir()
	outDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "stock.db")
	reference := "ts_code,symbol,name\n000001.SZ,000001,A\n600000.SH,600000,B\n"
	if err := os.WriteFile(filepath.Join(dataDir, "stock_basic_20240105.csv"), []byte(reference), 0644); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{
		"TUSHARE_TOKEN":    "test_token",
		"TUSHARE_BASE_URL": tushareServer.URL,
		"DATA_DIR":         dataDir,
		"OUTPUT_DIR":       outDir,
		"FETCH_INTERVAL":   "1ms",
		"DB_DRIVER":        "sqlite",
		"DB_PATH":          dbPath,
		"LOG_LEVEL":        "warn",
	}
	for key, value := range env {
		t.Setenv(key, value)
	}

	var stdout bytes.Buffer
	code := run(context.Background(), []string{"--start-date", "20240101", "--end-date", "20240131"}, &stdout)
	if code != 0 {
		t.Fatalf("run() exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "fetch: 2/2") {
		t.Errorf("progress output %q has no final fetch line", stdout.String())
	}

	bars, err := snapshot.Read(snapshot.Path(outDir, "20240131"))
	if err != nil {
		t.Fatalf("snapshot not readable: %v", err)
	}
	if len(bars) != 4 {
		t.Fatalf("snapshot has %d rows, want 4", len(bars))
	}
	if bars[0].Pe == nil || *bars[0].Pe != 6.6 {
		t.Errorf("first bar pe = %v, want 6.6", bars[0].Pe)
	}
	if bars[1].Pe != nil {
		t.Errorf("second bar pe = %v, want null (no daily_basic row)", *bars[1].Pe)
	}

	if got := countStored(t, dbPath); got != 4 {
		t.Errorf("stored rows = %d, want 4", got)
	}

	// A new instrument that keeps failing makes the next run partial.
	reference += "688001.SH,688001,C\n"
	if err := os.WriteFile(filepath.Join(dataDir, "stock_basic_20240201.csv"), []byte(reference), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FETCH_RETRIES", "1")

	code = run(context.Background(), []string{"--start-date", "20240101", "--end-date", "20240131"}, &stdout)
	if code != 2 {
		t.Fatalf("run() exit code = %d, want 2 for a partial run", code)
	}
	if got := countStored(t, dbPath); got != 4 {
		t.Errorf("stored rows after rerun = %d, want 4", got)
	}
}

func TestIntegration_InvalidConfiguration(t *testing.T) {
	t.Setenv("TUSHARE_TOKEN", "")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("OUTPUT_DIR", t.TempDir())

	if code := run(context.Background(), []string{"--end-date", "20240131"}, &bytes.Buffer{}); code != 1 {
		t.Errorf("run() exit code = %d, want 1", code)
	}
	if code := run(context.Background(), []string{"--help"}, &bytes.Buffer{}); code != 0 {
		t.Errorf("run() --help exit code = %d, want 0", code)
	}
}

func countStored(t *testing.T, path string) int64 {
	t.Helper()
	m, err := store.NewManager(store.Config{Driver: store.DriverSQLite, Path: path, MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	db, err := m.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close(db)

	var n int64
	if err := db.Table(store.DefaultTable).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}
