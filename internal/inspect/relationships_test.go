package inspect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodplan/prodplan/internal/sheet"
)

func TestCheckRelationshipFullMatch(t *testing.T) {
	wb := sheet.NewMemoryWorkbook().
		AddSheet("Modelos", []string{"Produto_Id"}, [][]string{{"10"}, {"11"}}).
		AddSheet("OrdensFabrico", []string{"Of_Id", "Of_ProdutoId"},
			[][]string{{"OF1", "10"}, {"OF2", "11"}, {"OF3", "10"}})

	rel, err := CheckRelationship(wb, Relationship{
		Name: "orders_products", ChildSheet: "OrdensFabrico", ChildColumn: "Of_ProdutoId",
		ParentSheet: "Modelos", ParentColumn: "Produto_Id",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rel.ChildRows)
	assert.Equal(t, int64(3), rel.ChildNonNull)
	assert.Equal(t, int64(3), rel.Matched)
	assert.Equal(t, 1.0, rel.MatchRate)
	assert.Empty(t, rel.Orphans)
}

func TestCheckRelationshipOrphansAndNulls(t *testing.T) {
	wb := sheet.NewMemoryWorkbook().
		AddSheet("Modelos", []string{"Produto_Id"}, [][]string{{"10"}}).
		AddSheet("OrdensFabrico", []string{"Of_ProdutoId"},
			[][]string{{"10"}, {"99"}, {"99"}, {""}, {"NULL"}})

	rel, err := CheckRelationship(wb, Relationship{
		Name: "orders_products", ChildSheet: "OrdensFabrico", ChildColumn: "Of_ProdutoId",
		ParentSheet: "Modelos", ParentColumn: "Produto_Id",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rel.ChildRows)
	// NULL children are excluded from the denominator.
	assert.Equal(t, int64(3), rel.ChildNonNull)
	assert.Equal(t, int64(1), rel.Matched)
	assert.InDelta(t, 1.0/3.0, rel.MatchRate, 1e-9)
	// Orphan samples are deduplicated.
	assert.Equal(t, []string{"99"}, rel.Orphans)
}

func TestCheckRelationshipOrphanSampleCap(t *testing.T) {
	children := make([][]string, 0, 250)
	for i := 0; i < 250; i++ {
		children = append(children, []string{fmt.Sprintf("x-%d", i)})
	}
	wb := sheet.NewMemoryWorkbook().
		AddSheet("P", []string{"K"}, nil).
		AddSheet("C", []string{"K"}, children)

	rel, err := CheckRelationship(wb, Relationship{
		Name: "c_p", ChildSheet: "C", ChildColumn: "K",
		ParentSheet: "P", ParentColumn: "K",
	})
	require.NoError(t, err)
	assert.Len(t, rel.Orphans, maxOrphanSamples)
	assert.Zero(t, rel.MatchRate)
}

func TestCheckRelationshipMissingColumn(t *testing.T) {
	wb := sheet.NewMemoryWorkbook().
		AddSheet("P", []string{"K"}, nil).
		AddSheet("C", []string{"Other"}, nil)

	_, err := CheckRelationship(wb, Relationship{
		Name: "c_p", ChildSheet: "C", ChildColumn: "K",
		ParentSheet: "P", ParentColumn: "K",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"K"`)
}

func TestDeclaredRelationshipsNamedUniquely(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range DeclaredRelationships {
		assert.False(t, seen[r.Name], r.Name)
		seen[r.Name] = true
	}
	require.Len(t, DeclaredRelationships, 8)
}
