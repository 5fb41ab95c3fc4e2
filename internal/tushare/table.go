package tushare

import (
	"math"

	"github.com/tidwall/gjson"

	"stockpipeline/internal/fetcher"
	"stockpipeline/internal/model"
)

// Table is the columnar payload of one API response: a field list and rows
// of heterogeneous cells.
type Table struct {
	fields []string
	index  map[string]int
	rows   [][]gjson.Result
}

// ParseTable decodes a response envelope. A non-zero envelope code becomes a
// classified upstream error.
func ParseTable(body []byte) (*Table, error) {
	if !gjson.ValidBytes(body) {
		return nil, fetcher.NewValidationError("response is not valid JSON")
	}

	code := gjson.GetBytes(body, "code")
	if !code.Exists() {
		return nil, fetcher.NewValidationError("response has no code")
	}
	if code.Int() != 0 {
		return nil, fetcher.NewUpstreamError(int(code.Int()), gjson.GetBytes(body, "msg").String())
	}

	fields := gjson.GetBytes(body, "data.fields")
	if !fields.IsArray() {
		return nil, fetcher.NewValidationError("response has no data.fields")
	}

	t := &Table{index: make(map[string]int)}
	for i, f := range fields.Array() {
		t.fields = append(t.fields, f.String())
		t.index[f.String()] = i
	}

	items := gjson.GetBytes(body, "data.items")
	if items.Exists() && !items.IsArray() {
		return nil, fetcher.NewValidationError("data.items is not an array")
	}
	for _, item := range items.Array() {
		t.rows = append(t.rows, item.Array())
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Fields returns the field names in response order.
func (t *Table) Fields() []string { return t.fields }

// Has reports whether the table carries a field.
func (t *Table) Has(field string) bool {
	_, ok := t.index[field]
	return ok
}

func (t *Table) cell(row int, field string) (gjson.Result, bool) {
	i, ok := t.index[field]
	if !ok || row >= len(t.rows) || i >= len(t.rows[row]) {
		return gjson.Result{}, false
	}
	return t.rows[row][i], true
}

// String returns a text cell, empty when absent or null.
func (t *Table) String(row int, field string) string {
	c, ok := t.cell(row, field)
	if !ok || c.Type == gjson.Null {
		return ""
	}
	return c.String()
}

// Float returns a numeric cell, nil when absent, null or not a finite number.
func (t *Table) Float(row int, field string) *float64 {
	c, ok := t.cell(row, field)
	if !ok {
		return nil
	}
	switch c.Type {
	case gjson.Number:
		v := c.Float()
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return &v
	case gjson.String:
		return model.ParseNullable(c.Str)
	default:
		return nil
	}
}
