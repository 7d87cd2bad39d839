package sheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XLSXWorkbook reads a .xlsx file through excelize in streamed mode.
type XLSXWorkbook struct {
	path string
	f    *excelize.File
}

var _ Workbook = (*XLSXWorkbook)(nil)

// OpenXLSX opens the source file read-only. The returned workbook must be
// closed by the caller.
func OpenXLSX(path string) (*XLSXWorkbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open source file %s: %w", path, err)
	}
	return &XLSXWorkbook{path: path, f: f}, nil
}

func (w *XLSXWorkbook) SheetNames() []string {
	return w.f.GetSheetList()
}

func (w *XLSXWorkbook) Header(sheet string) ([]string, error) {
	rows, err := w.f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("sheet %s: %w", sheet, ErrNoHeader)
	}
	raw, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read header of sheet %s: %w", sheet, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("sheet %s: %w", sheet, ErrNoHeader)
	}
	return CleanHeader(raw), nil
}

func (w *XLSXWorkbook) Rows(sheet string) (RowIterator, error) {
	header, err := w.Header(sheet)
	if err != nil {
		return nil, err
	}
	rows, err := w.f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	// Skip the header row; the iterator starts at the first data row.
	if !rows.Next() {
		rows.Close()
		return nil, fmt.Errorf("sheet %s: %w", sheet, ErrNoHeader)
	}
	return &xlsxRows{rows: rows, width: len(header)}, nil
}

func (w *XLSXWorkbook) Close() error {
	return w.f.Close()
}

type xlsxRows struct {
	rows  *excelize.Rows
	width int
	cur   []string
	err   error
}

func (it *xlsxRows) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Error()
		return false
	}
	cols, err := it.rows.Columns()
	if err != nil {
		it.err = err
		return false
	}
	it.cur = PadRow(cols, it.width)
	return true
}

func (it *xlsxRows) Row() []string { return it.cur }
func (it *xlsxRows) Err() error    { return it.err }
func (it *xlsxRows) Close() error  { return it.rows.Close() }
