package tushare

import (
	"context"
	"fmt"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/model"
)

// basicAPI provides valuation ratios and share counts per trade date.
const basicAPI = "daily_basic"

// BarSource fetches price bars and augments them with daily_basic metrics.
type BarSource struct {
	client *Client
	cycle  model.Cycle
}

// NewBarSource creates a source for the given cycle. The cycle name doubles
// as the primary API name (daily, weekly, monthly).
func NewBarSource(client *Client, cycle model.Cycle) *BarSource {
	return &BarSource{client: client, cycle: cycle}
}

// Fetch performs the primary and secondary queries for one instrument and
// left-joins them on (ts_code, trade_date).
func (s *BarSource) Fetch(ctx context.Context, task fetcher.Task) ([]model.Bar, error) {
	params := map[string]string{
		"ts_code":    task.Code,
		"start_date": task.StartDate,
		"end_date":   task.EndDate,
	}

	primary, err := s.client.Query(ctx, task.Token, string(s.cycle), params)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.cycle, task.Code, err)
	}
	if primary.Len() == 0 {
		return nil, nil
	}

	basic, err := s.client.Query(ctx, task.Token, basicAPI, params)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", basicAPI, task.Code, err)
	}

	return Join(task.Code, s.cycle, primary, basic)
}

// Join builds bars from the primary table, filling metrics from the
// secondary table where (ts_code, trade_date) matches. The secondary close
// is ignored so the primary price wins. Every bar carries code as ts_code.
func Join(code string, cycle model.Cycle, primary, secondary *Table) ([]model.Bar, error) {
	if !primary.Has("trade_date") {
		return nil, fetcher.NewValidationError("primary response has no trade_date field")
	}

	type key struct{ code, date string }
	lookup := make(map[key]int)
	if secondary != nil && secondary.Has("trade_date") {
		for i := 0; i < secondary.Len(); i++ {
			k := key{secondary.String(i, "ts_code"), secondary.String(i, "trade_date")}
			if k.code == "" {
				k.code = code
			}
			lookup[k] = i
		}
	}

	bars := make([]model.Bar, 0, primary.Len())
	for i := 0; i < primary.Len(); i++ {
		rowCode := primary.String(i, "ts_code")
		if rowCode == "" {
			rowCode = code
		}
		b := model.Bar{
			TsCode:    code,
			TradeDate: primary.String(i, "trade_date"),
			Cycle:     cycle,
		}
		for _, f := range primary.Fields() {
			b.SetMetric(f, primary.Float(i, f))
		}
		if j, ok := lookup[key{rowCode, b.TradeDate}]; ok {
			for _, f := range secondary.Fields() {
				if f == "close" {
					continue
				}
				b.SetMetric(f, secondary.Float(j, f))
			}
		}
		bars = append(bars, b)
	}
	return bars, nil
}
