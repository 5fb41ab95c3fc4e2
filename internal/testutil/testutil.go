package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/model"
	"stockpipeline/internal/store"
)

// MockSource is a mock implementation of the Source interface for testing
type MockSource struct {
	FetchFunc func(ctx context.Context, task fetcher.Task) ([]model.Bar, error)
}

// Fetch implements the Source interface
func (m *MockSource) Fetch(ctx context.Context, task fetcher.Task) ([]model.Bar, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, task)
	}
	return nil, nil
}

// Reply is one scripted answer of a ScriptedSource.
type Reply struct {
	Bars []model.Bar
	Err  error
}

// ScriptedSource answers each instrument from a script, one reply per call.
// The last reply repeats once the script is exhausted.
type ScriptedSource struct {
	mu     sync.Mutex
	script map[string][]Reply
	calls  map[string]int
}

// NewScriptedSource creates a source from per-instrument replies.
func NewScriptedSource(script map[string][]Reply) *ScriptedSource {
	return &ScriptedSource{script: script, calls: make(map[string]int)}
}

// Fetch implements the Source interface
func (s *ScriptedSource) Fetch(ctx context.Context, task fetcher.Task) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replies := s.script[task.Code]
	n := s.calls[task.Code]
	s.calls[task.Code] = n + 1
	if len(replies) == 0 {
		return nil, fmt.Errorf("no script for %s", task.Code)
	}
	if n >= len(replies) {
		n = len(replies) - 1
	}
	return replies[n].Bars, replies[n].Err
}

// Calls returns how many times an instrument was fetched.
func (s *ScriptedSource) Calls(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[code]
}

// Bars builds n daily bars for an instrument with deterministic prices.
// Trade dates start at 20240101 and advance by one day; n must stay below 28.
func Bars(code string, n int) []model.Bar {
	bars := make([]model.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, Bar(code, fmt.Sprintf("202401%02d", i+1), 10+float64(i)))
	}
	return bars
}

// Bar builds one daily bar with a close price and a few derived metrics.
func Bar(code, date string, close float64) model.Bar {
	return model.Bar{
		TsCode:    code,
		TradeDate: date,
		Cycle:     model.CycleDaily,
		Open:      model.Float(close - 0.5),
		High:      model.Float(close + 1),
		Low:       model.Float(close - 1),
		Close:     model.Float(close),
		Vol:       model.Float(1000),
		Pe:        model.Float(12.5),
	}
}

// TushareQuery is a decoded request received by a fake Tushare server.
type TushareQuery struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
}

// TushareReply is the envelope a fake Tushare server sends back.
type TushareReply struct {
	Code   int
	Msg    string
	Fields []string
	Items  [][]any
	// Status overrides the HTTP status when non-zero.
	Status int
}

// NewTushareServer starts a fake Tushare endpoint answering with handler.
func NewTushareServer(t *testing.T, handler func(q TushareQuery) TushareReply) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var q TushareQuery
		if err := json.Unmarshal(body, &q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := handler(q)
		if reply.Status != 0 {
			w.WriteHeader(reply.Status)
			return
		}
		items := reply.Items
		if items == nil {
			items = [][]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": "test",
			"code":       reply.Code,
			"msg":        reply.Msg,
			"data": map[string]any{
				"fields":   reply.Fields,
				"items":    items,
				"has_more": false,
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// DailyFields are the fields of the primary daily API.
var DailyFields = []string{"ts_code", "trade_date", "open", "high", "low", "close", "pre_close", "change", "pct_chg", "vol", "amount"}

// BasicFields are the fields of the daily_basic API.
var BasicFields = []string{"ts_code", "trade_date", "close", "turnover_rate", "turnover_rate_f", "volume_ratio", "pe", "pe_ttm", "pb", "ps", "ps_ttm", "dv_ratio", "dv_ttm", "total_share", "float_share", "free_share", "total_mv", "circ_mv"}

// DailyRow builds one daily item for code and date.
func DailyRow(code, date string, close float64) []any {
	return []any{code, date, close - 0.5, close + 1, close - 1, close, close - 0.2, 0.2, 1.5, 1000.0, 12345.6}
}

// BasicRow builds one daily_basic item for code and date.
func BasicRow(code, date string, pe float64) []any {
	return []any{code, date, 999.0, 1.1, 1.2, 0.9, pe, pe + 1, 2.0, 3.0, 3.1, nil, nil, 100.0, 80.0, 60.0, 5000.0, 4000.0}
}

// SQLiteConfig returns a store configuration backed by a fresh database file
// in the test's temp directory, with fast connection retries.
func SQLiteConfig(t *testing.T) store.Config {
	t.Helper()
	return store.Config{
		Driver:         store.DriverSQLite,
		Path:           filepath.Join(t.TempDir(), "stock.db"),
		ConnectTimeout: 5 * time.Second,
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxJitter:      time.Millisecond,
	}
}
