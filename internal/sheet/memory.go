package sheet

import "fmt"

// MemoryWorkbook is an in-memory Workbook used by tests and fixtures.
type MemoryWorkbook struct {
	Order  []string
	Sheets map[string]MemorySheet
}

// MemorySheet holds a header and its data rows.
type MemorySheet struct {
	Header []string
	Rows   [][]string
}

var _ Workbook = (*MemoryWorkbook)(nil)

// NewMemoryWorkbook builds a workbook preserving the given sheet order.
func NewMemoryWorkbook() *MemoryWorkbook {
	return &MemoryWorkbook{Sheets: map[string]MemorySheet{}}
}

// AddSheet appends a sheet.
func (w *MemoryWorkbook) AddSheet(name string, header []string, rows [][]string) *MemoryWorkbook {
	w.Order = append(w.Order, name)
	w.Sheets[name] = MemorySheet{Header: header, Rows: rows}
	return w
}

func (w *MemoryWorkbook) SheetNames() []string { return w.Order }

func (w *MemoryWorkbook) Header(sheet string) ([]string, error) {
	s, ok := w.Sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("no such sheet: %s", sheet)
	}
	if len(s.Header) == 0 {
		return nil, fmt.Errorf("sheet %s: %w", sheet, ErrNoHeader)
	}
	return CleanHeader(s.Header), nil
}

func (w *MemoryWorkbook) Rows(sheet string) (RowIterator, error) {
	s, ok := w.Sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("no such sheet: %s", sheet)
	}
	if len(s.Header) == 0 {
		return nil, fmt.Errorf("sheet %s: %w", sheet, ErrNoHeader)
	}
	return &memoryRows{rows: s.Rows, width: len(s.Header), idx: -1}, nil
}

func (w *MemoryWorkbook) Close() error { return nil }

type memoryRows struct {
	rows  [][]string
	width int
	idx   int
}

func (it *memoryRows) Next() bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *memoryRows) Row() []string { return PadRow(it.rows[it.idx], it.width) }
func (it *memoryRows) Err() error    { return nil }
func (it *memoryRows) Close() error  { return nil }
