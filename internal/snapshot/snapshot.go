// Package snapshot merges successful fetch payloads and persists them as the
// dated CSV artifact consumed by the loader.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"stockpipeline/internal/coordinator"
	"stockpipeline/internal/model"
)

const filePrefix = "merged_stocks_data_"

// WriteError reports a failure to persist the snapshot. It is fatal for the
// run and distinct from fetch failures.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write snapshot %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Path returns the artifact path for a run ending on endDate. Runs with the
// same end date share a path, so a rerun overwrites the earlier artifact.
func Path(dir, endDate string) string {
	return filepath.Join(dir, filePrefix+endDate+".csv")
}

// Merge concatenates the successful payloads in task order.
func Merge(out *coordinator.Outcome) []model.Bar {
	var total int
	succeeded := out.Succeeded()
	for _, r := range succeeded {
		total += len(r.Bars)
	}
	bars := make([]model.Bar, 0, total)
	for _, r := range succeeded {
		bars = append(bars, r.Bars...)
	}
	return bars
}

// Write persists bars to the artifact for endDate and returns its path.
// The file is written to a temporary sibling first and renamed into place.
func Write(dir, endDate string, bars []model.Bar) (string, error) {
	path := Path(dir, endDate)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filePrefix+"*.tmp")
	if err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, bars); err != nil {
		tmp.Close()
		return "", &WriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	return path, nil
}

// Encode writes the header and one record per bar.
func Encode(w io.Writer, bars []model.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(model.Columns); err != nil {
		return err
	}
	for i := range bars {
		if err := cw.Write(bars[i].Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read loads a snapshot file.
func Read(path string) ([]model.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	bars, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return bars, nil
}

// Decode parses a snapshot by header name. Every column of model.Columns
// must be present; extra columns are ignored. Metric cells go through
// model.ParseNullable, so missing or non-numeric values become nulls.
func Decode(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	idx := make([]int, len(model.Columns))
	for i, c := range model.Columns {
		p, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
		idx[i] = p
	}

	var bars []model.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		b := model.Bar{
			TsCode:    strings.TrimSpace(rec[idx[0]]),
			TradeDate: strings.TrimSpace(rec[idx[1]]),
			Cycle:     model.Cycle(strings.TrimSpace(rec[idx[2]])),
		}
		if b.TsCode == "" || b.TradeDate == "" || b.Cycle == "" {
			return nil, fmt.Errorf("line %d: empty key column", line)
		}
		for i, p := range b.Metrics() {
			*p = model.ParseNullable(rec[idx[i+3]])
		}
		bars = append(bars, b)
	}
	return bars, nil
}
