// Package instruments resolves the instrument universe of a run from the
// dated reference files in the data directory.
package instruments

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CodeColumn is the column holding instrument identifiers.
const CodeColumn = "ts_code"

// ErrNoReferenceFile is returned when no file matches the pattern.
var ErrNoReferenceFile = errors.New("no instrument reference file found")

// Latest returns the file matching pattern in dir whose date suffix (the
// text after the last underscore, without extension) sorts last.
func Latest(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoReferenceFile, filepath.Join(dir, pattern))
	}

	latest := matches[0]
	for _, m := range matches[1:] {
		if suffix(m) > suffix(latest) {
			latest = m
		}
	}
	return latest, nil
}

func suffix(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndex(base, "_"); i >= 0 {
		return base[i+1:]
	}
	return base
}

// Load reads instrument codes from the CodeColumn of a CSV file. Blank and
// repeated codes are skipped; order of first appearance is kept.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument list: %w", err)
	}
	defer f.Close()

	codes, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read instrument list %s: %w", path, err)
	}
	return codes, nil
}

// Decode reads instrument codes from CSV input.
func Decode(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}
	col := -1
	for i, h := range header {
		if strings.TrimPrefix(strings.TrimSpace(h), "\ufeff") == CodeColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("missing column %q", CodeColumn)
	}

	seen := make(map[string]struct{})
	var codes []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if col >= len(rec) {
			continue
		}
		code := strings.TrimSpace(rec[col])
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}
