package ingest

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/sheet"
	"github.com/prodplan/prodplan/internal/types"
)

// Extractor streams every declared sheet out of the workbook into one csv.gz
// per sheet, header row first. The per-sheet digest is computed over the
// uncompressed CSV bytes (header included) so it is stable across gzip
// settings.
type Extractor struct {
	ProcessedDir string
	Log          *zap.Logger
}

// FileSHA256 hashes the source workbook file. The orchestrator uses it for
// the idempotency short-circuit before any extraction work happens.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Extract writes <entity>.csv.gz for every declared sheet present in the
// workbook. A declared sheet missing from the file is an error: the source
// contract says all nine ship together.
func (e *Extractor) Extract(wb sheet.Workbook, sourcePath, sourceSHA string) (*types.ExtractionReport, error) {
	if err := os.MkdirAll(e.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create processed dir: %w", err)
	}

	present := map[string]bool{}
	for _, name := range wb.SheetNames() {
		present[name] = true
	}

	report := &types.ExtractionReport{
		SourcePath:   sourcePath,
		SourceSHA256: sourceSHA,
		Sheets:       map[string]types.SheetExtraction{},
		ExtractedAt:  time.Now().UTC(),
	}

	for _, spec := range Sheets {
		if !present[spec.Sheet] {
			return nil, fmt.Errorf("sheet %q missing from %s", spec.Sheet, sourcePath)
		}
		rec, err := e.extractSheet(wb, spec)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", spec.Sheet, err)
		}
		report.Sheets[spec.Sheet] = rec
		report.TotalRows += rec.RowCount
		e.Log.Info("sheet extracted",
			zap.String("sheet", spec.Sheet),
			zap.Int64("rows", rec.RowCount),
			zap.String("sha256", rec.SHA256[:12]))
	}
	return report, nil
}

func (e *Extractor) extractSheet(wb sheet.Workbook, spec SheetSpec) (types.SheetExtraction, error) {
	var rec types.SheetExtraction

	header, err := wb.Header(spec.Sheet)
	if err != nil {
		return rec, err
	}
	// Column positions come from the header, not from declaration order, so
	// reordered source columns keep working.
	idx := make([]int, len(spec.Columns))
	byName := map[string]int{}
	for i, h := range header {
		byName[h] = i
	}
	for i, c := range spec.Columns {
		pos, ok := byName[c.Source]
		if !ok {
			return rec, fmt.Errorf("column %q not found in sheet header", c.Source)
		}
		idx[i] = pos
	}

	path := filepath.Join(e.ProcessedDir, spec.Entity+".csv.gz")
	f, err := os.Create(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	hash := sha256.New()
	w := csv.NewWriter(io.MultiWriter(gz, hash))

	it, err := wb.Rows(spec.Sheet)
	if err != nil {
		return rec, err
	}
	defer it.Close()

	// The header record names the staging columns in file order; the loader
	// COPYes with HEADER to skip it. RowCount stays data rows only.
	if err := w.Write(spec.Targets()); err != nil {
		return rec, err
	}

	out := make([]string, len(idx))
	var rows int64
	for it.Next() {
		row := sheet.PadRow(it.Row(), len(header))
		for i, pos := range idx {
			out[i] = sheet.NormalizeCell(row[pos])
		}
		if err := w.Write(out); err != nil {
			return rec, err
		}
		rows++
	}
	if err := it.Err(); err != nil {
		return rec, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return rec, err
	}
	if err := gz.Close(); err != nil {
		return rec, err
	}
	if err := f.Close(); err != nil {
		return rec, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return rec, err
	}
	return types.SheetExtraction{
		SheetName: spec.Sheet,
		FilePath:  path,
		RowCount:  rows,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		SizeBytes: info.Size(),
	}, nil
}
