package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cycle is the sampling frequency tag stored with every bar.
type Cycle string

const (
	CycleDaily   Cycle = "daily"
	CycleWeekly  Cycle = "weekly"
	CycleMonthly Cycle = "monthly"
)

// ParseCycle validates a cycle name from configuration.
func ParseCycle(s string) (Cycle, error) {
	switch c := Cycle(strings.ToLower(strings.TrimSpace(s))); c {
	case CycleDaily, CycleWeekly, CycleMonthly:
		return c, nil
	default:
		return "", fmt.Errorf("unknown cycle %q (want daily, weekly or monthly)", s)
	}
}

// Columns is the fixed column order shared by the snapshot file, the
// destination table and the staging table.
var Columns = []string{
	"ts_code", "trade_date", "cycle",
	"open", "high", "low", "close", "pre_close", "change", "pct_chg", "vol", "amount",
	"turnover_rate", "turnover_rate_f", "volume_ratio", "pe", "pe_ttm", "pb", "ps", "ps_ttm",
	"dv_ratio", "dv_ttm", "total_share", "float_share", "free_share", "total_mv", "circ_mv",
}

// KeyColumns identify one stored row.
var KeyColumns = Columns[:3]

// MetricColumns are the nullable numeric columns, in Columns order.
var MetricColumns = Columns[3:]

// Bar is one (instrument, trade date, cycle) record. Nil metrics are nulls.
type Bar struct {
	TsCode    string `gorm:"column:ts_code;primaryKey"`
	TradeDate string `gorm:"column:trade_date;primaryKey"`
	Cycle     Cycle  `gorm:"column:cycle;primaryKey"`

	Open     *float64 `gorm:"column:open"`
	High     *float64 `gorm:"column:high"`
	Low      *float64 `gorm:"column:low"`
	Close    *float64 `gorm:"column:close"`
	PreClose *float64 `gorm:"column:pre_close"`
	Change   *float64 `gorm:"column:change"`
	PctChg   *float64 `gorm:"column:pct_chg"`
	Vol      *float64 `gorm:"column:vol"`
	Amount   *float64 `gorm:"column:amount"`

	TurnoverRate  *float64 `gorm:"column:turnover_rate"`
	TurnoverRateF *float64 `gorm:"column:turnover_rate_f"`
	VolumeRatio   *float64 `gorm:"column:volume_ratio"`
	Pe            *float64 `gorm:"column:pe"`
	PeTTM         *float64 `gorm:"column:pe_ttm"`
	Pb            *float64 `gorm:"column:pb"`
	Ps            *float64 `gorm:"column:ps"`
	PsTTM         *float64 `gorm:"column:ps_ttm"`
	DvRatio       *float64 `gorm:"column:dv_ratio"`
	DvTTM         *float64 `gorm:"column:dv_ttm"`
	TotalShare    *float64 `gorm:"column:total_share"`
	FloatShare    *float64 `gorm:"column:float_share"`
	FreeShare     *float64 `gorm:"column:free_share"`
	TotalMv       *float64 `gorm:"column:total_mv"`
	CircMv        *float64 `gorm:"column:circ_mv"`
}

// TableName is the destination table.
func (Bar) TableName() string { return "stock_data" }

// Key returns the upsert key of the bar.
func (b *Bar) Key() string {
	return b.TsCode + "|" + b.TradeDate + "|" + string(b.Cycle)
}

// Metrics returns pointers to the metric fields in MetricColumns order.
func (b *Bar) Metrics() []**float64 {
	return []**float64{
		&b.Open, &b.High, &b.Low, &b.Close, &b.PreClose, &b.Change, &b.PctChg, &b.Vol, &b.Amount,
		&b.TurnoverRate, &b.TurnoverRateF, &b.VolumeRatio, &b.Pe, &b.PeTTM, &b.Pb, &b.Ps, &b.PsTTM,
		&b.DvRatio, &b.DvTTM, &b.TotalShare, &b.FloatShare, &b.FreeShare, &b.TotalMv, &b.CircMv,
	}
}

// SetMetric assigns a metric by column name. Unknown names are ignored and
// reported as false.
func (b *Bar) SetMetric(column string, v *float64) bool {
	i, ok := metricIndex[column]
	if !ok {
		return false
	}
	*b.Metrics()[i] = v
	return true
}

// Metric returns the metric for a column name, nil when null or unknown.
func (b *Bar) Metric(column string) *float64 {
	i, ok := metricIndex[column]
	if !ok {
		return nil
	}
	return *b.Metrics()[i]
}

// Normalized returns a copy of the bar where every NaN or infinite metric is
// replaced by null. Metric pointers are not shared with the receiver.
func (b Bar) Normalized() Bar {
	out := b
	for _, p := range out.Metrics() {
		if *p == nil {
			continue
		}
		v := **p
		if math.IsNaN(v) || math.IsInf(v, 0) {
			*p = nil
			continue
		}
		*p = &v
	}
	return out
}

// Record renders the bar as text cells in Columns order. Nulls become empty
// cells.
func (b *Bar) Record() []string {
	rec := make([]string, 0, len(Columns))
	rec = append(rec, b.TsCode, b.TradeDate, string(b.Cycle))
	for _, p := range b.Metrics() {
		rec = append(rec, FormatNullable(*p))
	}
	return rec
}

var metricIndex = func() map[string]int {
	m := make(map[string]int, len(MetricColumns))
	for i, c := range MetricColumns {
		m[c] = i
	}
	return m
}()

var nullTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"--":   {},
	"nan":  {},
	"null": {},
	"none": {},
	"na":   {},
	"<na>": {},
	"nat":  {},
}

// ParseNullable converts a text cell to a metric. Missing, null-like,
// unparseable and non-finite values all become nil.
func ParseNullable(s string) *float64 {
	s = strings.TrimSpace(s)
	if _, ok := nullTokens[strings.ToLower(s)]; ok {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// FormatNullable is the inverse of ParseNullable for finite values.
func FormatNullable(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Float is a convenience for building metrics in code and tests.
func Float(v float64) *float64 { return &v }
