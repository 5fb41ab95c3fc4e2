package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"stockpipeline/internal/model"
)

// Default table names.
const (
	DefaultTable   = "stock_data"
	DefaultStaging = "tmp_stock_data"
)

// Schema holds every statement the loader runs, built once from the static
// column list. Only row values vary at run time.
type Schema struct {
	Dialect *Dialect
	Table   string
	Staging string

	CreateTable   string
	CreateStaging string
	ClearStaging  string
	DropStaging   string
	Upsert        string
	Analyze       string
}

// NewSchema builds the statements for a destination and a staging table.
func NewSchema(d *Dialect, table, staging string) *Schema {
	if table == "" {
		table = DefaultTable
	}
	if staging == "" {
		staging = DefaultStaging
	}

	cols := make([]string, len(model.Columns))
	for i, c := range model.Columns {
		cols[i] = d.Quote(c)
	}
	colList := strings.Join(cols, ", ")

	s := &Schema{Dialect: d, Table: table, Staging: staging}
	s.CreateTable = "CREATE TABLE IF NOT EXISTS " + d.Quote(table) + " (" + columnDefs(d) + ")" + d.tableOptions
	s.CreateStaging = "CREATE TEMPORARY TABLE IF NOT EXISTS " + d.Quote(staging) + " (" + columnDefs(d) + ")"
	s.ClearStaging = "DELETE FROM " + d.Quote(staging)
	s.DropStaging = d.dropTemporary + d.Quote(staging)
	s.Upsert = "INSERT INTO " + d.Quote(table) + " (" + colList + ") SELECT " + colList +
		" FROM " + d.Quote(staging) + d.upsertSuffix(d, model.KeyColumns, model.MetricColumns)
	if d.Name == DriverMySQL {
		s.Analyze = "ANALYZE TABLE " + d.Quote(table)
	} else {
		s.Analyze = "ANALYZE " + d.Quote(table)
	}
	return s
}

func columnDefs(d *Dialect) string {
	defs := make([]string, 0, len(model.Columns)+1)
	defs = append(defs,
		d.Quote("ts_code")+" "+d.codeType+" NOT NULL",
		d.Quote("trade_date")+" "+d.dateType+" NOT NULL",
		d.Quote("cycle")+" "+d.cycleType+" NOT NULL",
	)
	for _, c := range model.MetricColumns {
		defs = append(defs, d.Quote(c)+" "+d.floatType)
	}
	keys := make([]string, len(model.KeyColumns))
	for i, k := range model.KeyColumns {
		keys[i] = d.Quote(k)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	return strings.Join(defs, ", ")
}

// EnsureTable creates the destination table if it does not exist.
func (s *Schema) EnsureTable(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec(s.CreateTable).Error; err != nil {
		return fmt.Errorf("create table %s: %w", s.Table, err)
	}
	return nil
}

// Refresh updates the planner statistics of the destination table.
func (s *Schema) Refresh(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec(s.Analyze).Error; err != nil {
		return fmt.Errorf("analyze %s: %w", s.Table, err)
	}
	return nil
}
