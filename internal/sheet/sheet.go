// Package sheet provides streamed, read-only access to multi-sheet tabular
// source files. The pipeline and the inspector consume the Workbook
// interface; the xlsx implementation lives in xlsx.go and an in-memory
// implementation backs tests.
package sheet

import (
	"fmt"
	"strings"
	"time"
)

// Workbook is a read-only view over a multi-sheet source file. Rows are
// streamed one at a time to bound memory; the first row of every sheet is
// the header and is exposed separately.
type Workbook interface {
	// SheetNames returns sheet names in file order.
	SheetNames() []string
	// Header returns the header row of a sheet, with empty cells replaced
	// by positional names (col_1, col_2, ...).
	Header(sheet string) ([]string, error)
	// Rows returns an iterator over the data rows (everything after the
	// header). Each row is padded or truncated to the header width.
	Rows(sheet string) (RowIterator, error)
	Close() error
}

// RowIterator walks data rows in order.
type RowIterator interface {
	Next() bool
	// Row is valid until the next call to Next.
	Row() []string
	Err() error
	Close() error
}

// ErrNoHeader is wrapped into errors returned for sheets without a header
// row; callers treat it as INSPECTOR_READ.
var ErrNoHeader = fmt.Errorf("sheet has no header row")

// CleanHeader normalizes a raw header row: trims each cell and substitutes
// col_N for blanks, preserving original column order.
func CleanHeader(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("col_%d", i+1)
		}
		out[i] = h
	}
	return out
}

// PadRow fits a row to the header width: short rows gain empty cells, long
// rows are truncated.
func PadRow(row []string, width int) []string {
	if len(row) == width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}

// cellTimeLayouts covers the datetime renderings the source files produce.
// Order matters: more specific layouts first.
var cellTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01-02-06 15:04",
	"1/2/2006 15:04:05",
	"1/2/06 15:04",
	"1/2/2006",
}

// ParseCellTime attempts to interpret a cell as a datetime. The boolean
// reports success.
func ParseCellTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range cellTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeCell renders a cell for extraction: datetimes become ISO-8601,
// everything else passes through trimmed of trailing whitespace only (the
// merge stage owns NULL-literal handling).
func NormalizeCell(s string) string {
	if t, ok := ParseCellTime(s); ok {
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && !strings.ContainsAny(s, ":T") {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02T15:04:05")
	}
	return s
}
