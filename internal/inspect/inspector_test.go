package inspect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/ingest"
	"github.com/prodplan/prodplan/internal/sheet"
)

// sourceWorkbook builds a consistent nine-sheet source where every declared
// relationship matches.
func sourceWorkbook() *sheet.MemoryWorkbook {
	wb := sheet.NewMemoryWorkbook()
	rows := map[string][][]string{
		"Fases":                  {{"1", "Corte", "10", "1", "0"}},
		"Modelos":                {{"10", "Modelo A", "120.5", "110.0", "5", "7"}},
		"Funcionarios":           {{"100", "Ana", "1"}},
		"FuncionariosFasesAptos": {{"100", "1", "2023-05-01"}},
		"FasesStandardModelos":   {{"10", "1", "1", "12.5", "1.1"}},
		"OrdensFabrico":          {{"OF1", "2024-01-01", "", "10", "1", ""}},
		"FasesOrdemFabrico":      {{"E1", "OF1", "2024-01-03 08:00:00", "2024-01-03 10:00:00", "2024-01-02", "1.0", "1.0", "1", "250.5", "0", "1", "1"}},
		"FuncionariosFaseOrdemFabrico": {{"E1", "100", "1"}},
		"OrdemFabricoErros":            {{"crack", "OF1", "1", "2", "E1", ""}},
	}
	for _, spec := range ingest.Sheets {
		header := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			header[i] = c.Source
		}
		wb.AddSheet(spec.Sheet, header, rows[spec.Sheet])
	}
	return wb
}

func TestInspectorRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	ins := &Inspector{
		SourcePath: "source.xlsx",
		DocsDir:    dir,
		Log:        zap.NewNop(),
		Open:       func() (sheet.Workbook, error) { return sourceWorkbook(), nil },
	}

	profiles, rels, err := ins.Run()
	require.NoError(t, err)

	require.Len(t, profiles.Sheets, len(ingest.Sheets))
	assert.Len(t, sortedSheetNames(profiles), len(ingest.Sheets))
	require.Len(t, rels.Relationships, len(DeclaredRelationships))
	for _, r := range rels.Relationships {
		assert.Equal(t, 1.0, r.MatchRate, r.Name)
	}

	for _, name := range []string{
		"PROFILE_REPORT.json", "RELATIONSHIPS_REPORT.json", "DATA_DICTIONARY.md",
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	var decoded RelationshipsReport
	data, err := os.ReadFile(filepath.Join(dir, "RELATIONSHIPS_REPORT.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "source.xlsx", decoded.SourcePath)

	dict, err := os.ReadFile(filepath.Join(dir, "DATA_DICTIONARY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(dict), "## FasesOrdemFabrico")
	assert.Contains(t, string(dict), "## Relationships")
}

func TestInspectorRunWrapsReadFailures(t *testing.T) {
	ins := &Inspector{
		SourcePath: "missing.xlsx",
		DocsDir:    t.TempDir(),
		Log:        zap.NewNop(),
		Open:       func() (sheet.Workbook, error) { return nil, fmt.Errorf("no such file") },
	}
	_, _, err := ins.Run()
	require.ErrorIs(t, err, ErrInspectorRead)
}
