package inspect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodplan/prodplan/internal/sheet"
)

func TestIsNullCell(t *testing.T) {
	assert.True(t, isNullCell(""))
	assert.True(t, isNullCell("  "))
	assert.True(t, isNullCell("NULL"))
	assert.True(t, isNullCell("null"))
	assert.True(t, isNullCell(" None "))
	assert.True(t, isNullCell("nil"))
	assert.False(t, isNullCell("0"))
	assert.False(t, isNullCell("N"))
}

func TestColumnStateTypeInference(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   string
	}{
		{"ints", []string{"1", "2", "3", "x"}, "int"},
		{"dates", []string{"2024-01-01", "2024-01-02", "junk"}, "date"},
		{"floats", []string{"1.5", "2.25", "x"}, "float"},
		{"strings", []string{"a", "b", "1"}, "string"},
		{"date beats int on tie", []string{"2024-01-01", "7"}, "date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newColumnState("c")
			for _, v := range tc.values {
				st.observe(v)
			}
			assert.Equal(t, tc.want, st.finish().InferredType)
		})
	}
}

func TestColumnStateNullAndDistinct(t *testing.T) {
	st := newColumnState("c")
	for _, v := range []string{"a", "b", "a", "", "NULL"} {
		st.observe(v)
	}
	p := st.finish()
	assert.Equal(t, int64(5), p.Rows)
	assert.Equal(t, int64(2), p.Nulls)
	assert.InDelta(t, 0.4, p.NullRate, 1e-9)
	assert.Equal(t, int64(2), p.Distinct)
	assert.True(t, p.DistinctExact)
	require.NotEmpty(t, p.TopValues)
	assert.Equal(t, ValueCount{Value: "a", Count: 2}, p.TopValues[0])
}

func TestColumnStateDateBounds(t *testing.T) {
	st := newColumnState("c")
	for _, v := range []string{"2023-06-01", "2019-01-15", "2024-12-31"} {
		st.observe(v)
	}
	p := st.finish()
	assert.Equal(t, "2019-01-15", p.MinDate)
	assert.Equal(t, "2024-12-31", p.MaxDate)
}

func TestInvalidDateSamples(t *testing.T) {
	st := newColumnState("c")
	for _, v := range []string{"2023-06-01", "2023-06-02", "2023-06-03", "not a date", ""} {
		st.observe(v)
	}
	p := st.finish()
	require.Equal(t, "date", p.InferredType)
	assert.Equal(t, []string{"not a date"}, p.InvalidDates)

	// A non-date column reports no samples even when nothing parses.
	num := newColumnState("n")
	for _, v := range []string{"1", "2", "3"} {
		num.observe(v)
	}
	assert.Empty(t, num.finish().InvalidDates)
}

func TestPKCandidate(t *testing.T) {
	unique := newColumnState("id")
	for i := 0; i < 1000; i++ {
		unique.observe(fmt.Sprintf("id-%d", i))
	}
	assert.True(t, unique.finish().PKCandidate)

	repeated := newColumnState("status")
	for i := 0; i < 1000; i++ {
		repeated.observe("open")
	}
	assert.False(t, repeated.finish().PKCandidate)

	nullish := newColumnState("maybe")
	for i := 0; i < 1000; i++ {
		v := fmt.Sprintf("v-%d", i)
		if i%10 == 0 {
			v = ""
		}
		nullish.observe(v)
	}
	assert.False(t, nullish.finish().PKCandidate)
}

func TestHLLEstimateWithinErrorBound(t *testing.T) {
	h := &hll{}
	const n = 200_000
	for i := 0; i < n; i++ {
		h.Add(fmt.Sprintf("value-%d", i))
	}
	est := h.Estimate()
	assert.InEpsilon(t, float64(n), float64(est), 0.05)
}

func TestHLLSpreadsSimilarKeysAcrossRegisters(t *testing.T) {
	// Short sequential ids are the worst case for the index bits; they must
	// still land across the whole register file or the estimate collapses.
	h := &hll{}
	const n = 10_000
	for i := 0; i < n; i++ {
		h.Add(fmt.Sprintf("E%d", i))
	}
	used := 0
	for _, r := range h.registers {
		if r > 0 {
			used++
		}
	}
	assert.Greater(t, used, hllRegisters/2)
	assert.InEpsilon(t, float64(n), float64(h.Estimate()), 0.10)
}

func TestHLLSmallRange(t *testing.T) {
	h := &hll{}
	for i := 0; i < 100; i++ {
		h.Add(fmt.Sprintf("v-%d", i))
	}
	est := h.Estimate()
	assert.InDelta(t, 100, est, 10)
}

func TestProfileSheet(t *testing.T) {
	wb := sheet.NewMemoryWorkbook().AddSheet("Fases",
		[]string{"Fase_Id", "Fase_Nome"},
		[][]string{{"1", "Corte"}, {"2", "Costura"}, {"3", ""}},
	)
	p, err := ProfileSheet(wb, "Fases")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Rows)
	require.Len(t, p.Columns, 2)
	assert.Equal(t, "int", p.Columns[0].InferredType)
	assert.True(t, p.Columns[0].PKCandidate)
	assert.Equal(t, int64(1), p.Columns[1].Nulls)
}

func TestTopNOrdering(t *testing.T) {
	got := topN(map[string]int64{"a": 1, "b": 3, "c": 2, "d": 3}, 3)
	require.Len(t, got, 3)
	// Ties break alphabetically so reports are stable run to run.
	assert.Equal(t, []ValueCount{{"b", 3}, {"d", 3}, {"c", 2}}, got)
}
