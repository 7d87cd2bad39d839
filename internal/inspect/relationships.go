package inspect

import (
	"fmt"
	"strings"

	"github.com/prodplan/prodplan/internal/sheet"
)

// maxOrphanSamples caps how many unmatched child values a relationship
// report carries. Enough to debug, small enough to read.
const maxOrphanSamples = 100

// Relationship declares one expected cross-sheet join, by source sheet and
// column names as they appear in the file.
type Relationship struct {
	Name         string `json:"name"`
	ChildSheet   string `json:"child_sheet"`
	ChildColumn  string `json:"child_column"`
	ParentSheet  string `json:"parent_sheet"`
	ParentColumn string `json:"parent_column"`

	ChildRows    int64    `json:"child_rows"`
	ChildNonNull int64    `json:"child_non_null"`
	Matched      int64    `json:"matched"`
	MatchRate    float64  `json:"match_rate"`
	Orphans      []string `json:"orphan_samples,omitempty"`
}

// DeclaredRelationships are the joins the analytics layer depends on. The
// feature gates read their match rates by name.
var DeclaredRelationships = []Relationship{
	{Name: "orders_products", ChildSheet: "OrdensFabrico", ChildColumn: "Of_ProdutoId",
		ParentSheet: "Modelos", ParentColumn: "Produto_Id"},
	{Name: "order_phases_orders", ChildSheet: "FasesOrdemFabrico", ChildColumn: "FaseOf_OfId",
		ParentSheet: "OrdensFabrico", ParentColumn: "Of_Id"},
	{Name: "order_phases_phases", ChildSheet: "FasesOrdemFabrico", ChildColumn: "FaseOf_FaseId",
		ParentSheet: "Fases", ParentColumn: "Fase_Id"},
	{Name: "phase_workers_order_phases", ChildSheet: "FuncionariosFaseOrdemFabrico", ChildColumn: "FuncionarioFaseOf_FaseOfId",
		ParentSheet: "FasesOrdemFabrico", ParentColumn: "FaseOf_Id"},
	{Name: "phase_workers_workers", ChildSheet: "FuncionariosFaseOrdemFabrico", ChildColumn: "FuncionarioFaseOf_FuncionarioId",
		ParentSheet: "Funcionarios", ParentColumn: "Funcionario_Id"},
	{Name: "errors_orders", ChildSheet: "OrdemFabricoErros", ChildColumn: "Erro_OfId",
		ParentSheet: "OrdensFabrico", ParentColumn: "Of_Id"},
	{Name: "product_phase_standards_products", ChildSheet: "FasesStandardModelos", ChildColumn: "ProdutoFase_ProdutoId",
		ParentSheet: "Modelos", ParentColumn: "Produto_Id"},
	{Name: "worker_phase_skills_workers", ChildSheet: "FuncionariosFasesAptos", ChildColumn: "FuncionarioFase_FuncionarioId",
		ParentSheet: "Funcionarios", ParentColumn: "Funcionario_Id"},
}

// columnValues streams one column of a sheet; each non-null value is passed
// to fn trimmed.
func columnValues(wb sheet.Workbook, sheetName, column string, fn func(v string, null bool)) error {
	header, err := wb.Header(sheetName)
	if err != nil {
		return err
	}
	idx := -1
	for i, h := range header {
		if h == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("column %q not found in sheet %q", column, sheetName)
	}

	it, err := wb.Rows(sheetName)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		row := sheet.PadRow(it.Row(), len(header))
		cell := row[idx]
		if isNullCell(cell) {
			fn("", true)
			continue
		}
		fn(strings.TrimSpace(cell), false)
	}
	return it.Err()
}

// CheckRelationship computes the match rate of one declared relationship:
// the share of non-null child values that exist in the parent column.
func CheckRelationship(wb sheet.Workbook, rel Relationship) (Relationship, error) {
	parents := map[string]struct{}{}
	err := columnValues(wb, rel.ParentSheet, rel.ParentColumn, func(v string, null bool) {
		if !null {
			parents[v] = struct{}{}
		}
	})
	if err != nil {
		return rel, fmt.Errorf("relationship %s: read parent: %w", rel.Name, err)
	}

	orphanSeen := map[string]struct{}{}
	err = columnValues(wb, rel.ChildSheet, rel.ChildColumn, func(v string, null bool) {
		rel.ChildRows++
		if null {
			return
		}
		rel.ChildNonNull++
		if _, ok := parents[v]; ok {
			rel.Matched++
			return
		}
		if len(rel.Orphans) < maxOrphanSamples {
			if _, dup := orphanSeen[v]; !dup {
				orphanSeen[v] = struct{}{}
				rel.Orphans = append(rel.Orphans, v)
			}
		}
	})
	if err != nil {
		return rel, fmt.Errorf("relationship %s: read child: %w", rel.Name, err)
	}

	if rel.ChildNonNull > 0 {
		rel.MatchRate = float64(rel.Matched) / float64(rel.ChildNonNull)
	}
	return rel, nil
}
