// Package inspect profiles the raw source workbook before anyone trusts it:
// per-column statistics, inferred types, key candidates, and the declared
// cross-sheet relationships with their match rates. Its reports feed the
// data dictionary and the feature-gate evaluation.
package inspect

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prodplan/prodplan/internal/sheet"
)

const (
	// exactDistinctLimit is where profiling stops tracking exact distinct
	// values and falls back to the HyperLogLog estimate.
	exactDistinctLimit = 100_000
	// topValuesTracked bounds the frequency map; beyond it, new values are
	// no longer added but known ones keep counting.
	topValuesTracked = 50_000
	topValuesKept    = 10

	pkMaxNullRate     = 0.01
	pkMinDistinctRate = 0.95
)

// nullLiterals matches the merge stage's NULL handling so the profile and
// the pipeline agree on what "missing" means.
func isNullCell(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	switch strings.ToUpper(s) {
	case "NULL", "NONE", "NIL":
		return true
	}
	return false
}

// ValueCount is one entry of a column's top-values list.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ColumnProfile is the profiling result for one column.
type ColumnProfile struct {
	Name          string       `json:"name"`
	InferredType  string       `json:"inferred_type"`
	Rows          int64        `json:"rows"`
	Nulls         int64        `json:"nulls"`
	NullRate      float64      `json:"null_rate"`
	Distinct      int64        `json:"distinct"`
	DistinctExact bool         `json:"distinct_exact"`
	MinDate       string       `json:"min_date,omitempty"`
	MaxDate       string       `json:"max_date,omitempty"`
	TopValues     []ValueCount `json:"top_values,omitempty"`
	PKCandidate   bool         `json:"pk_candidate"`
	// InvalidDates lists cells that failed date parsing in a column that
	// otherwise holds dates, capped at maxInvalidDateSamples.
	InvalidDates []string `json:"invalid_date_samples,omitempty"`
}

// maxInvalidDateSamples caps the unparseable-date sample list per column.
const maxInvalidDateSamples = 100

// SheetProfile is the profiling result for one sheet.
type SheetProfile struct {
	Sheet   string          `json:"sheet"`
	Rows    int64           `json:"rows"`
	Columns []ColumnProfile `json:"columns"`
}

// columnState accumulates one column's statistics while streaming rows.
type columnState struct {
	name   string
	rows   int64
	nulls  int64
	exact  map[string]struct{}
	approx *hll
	counts map[string]int64

	minDate, maxDate time.Time
	nonDates         []string

	dates, ints, floats, strs int64
}

func newColumnState(name string) *columnState {
	return &columnState{
		name:   name,
		exact:  map[string]struct{}{},
		counts: map[string]int64{},
	}
}

func (c *columnState) observe(cell string) {
	c.rows++
	if isNullCell(cell) {
		c.nulls++
		return
	}
	v := strings.TrimSpace(cell)

	if c.approx != nil {
		c.approx.Add(v)
	} else {
		c.exact[v] = struct{}{}
		if len(c.exact) > exactDistinctLimit {
			// Move to the estimator; the exact set is dropped.
			c.approx = &hll{}
			for s := range c.exact {
				c.approx.Add(s)
			}
			c.exact = nil
		}
	}

	if _, seen := c.counts[v]; seen || len(c.counts) < topValuesTracked {
		c.counts[v]++
	}

	switch {
	case looksLikeDate(v):
		c.dates++
		if t, ok := sheet.ParseCellTime(v); ok {
			if c.minDate.IsZero() || t.Before(c.minDate) {
				c.minDate = t
			}
			if t.After(c.maxDate) {
				c.maxDate = t
			}
		}
	case looksLikeInt(v):
		c.ints++
		c.sampleNonDate(v)
	case looksLikeFloat(v):
		c.floats++
		c.sampleNonDate(v)
	default:
		c.strs++
		c.sampleNonDate(v)
	}
}

func (c *columnState) sampleNonDate(v string) {
	if len(c.nonDates) < maxInvalidDateSamples {
		c.nonDates = append(c.nonDates, v)
	}
}

func looksLikeDate(v string) bool {
	_, ok := sheet.ParseCellTime(v)
	// Bare numbers parse as nothing here; ParseCellTime only accepts
	// explicit date layouts.
	return ok
}

func looksLikeInt(v string) bool {
	if v == "" {
		return false
	}
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func looksLikeFloat(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

// finish reduces the accumulated state to a ColumnProfile. Type inference
// is a majority vote over non-null cells; ties resolve toward the more
// specific type.
func (c *columnState) finish() ColumnProfile {
	p := ColumnProfile{
		Name:  c.name,
		Rows:  c.rows,
		Nulls: c.nulls,
	}
	if c.rows > 0 {
		p.NullRate = float64(c.nulls) / float64(c.rows)
	}

	if c.approx != nil {
		p.Distinct = c.approx.Estimate()
	} else {
		p.Distinct = int64(len(c.exact))
		p.DistinctExact = true
	}

	p.InferredType = "string"
	best := c.strs
	for _, cand := range []struct {
		name  string
		count int64
	}{{"float", c.floats}, {"int", c.ints}, {"date", c.dates}} {
		if cand.count >= best && cand.count > 0 {
			p.InferredType = cand.name
			best = cand.count
		}
	}

	if !c.minDate.IsZero() {
		p.MinDate = c.minDate.Format("2006-01-02")
		p.MaxDate = c.maxDate.Format("2006-01-02")
	}
	if p.InferredType == "date" {
		p.InvalidDates = c.nonDates
	}

	p.TopValues = topN(c.counts, topValuesKept)

	nonNull := c.rows - c.nulls
	if nonNull > 0 {
		distinctRate := float64(p.Distinct) / float64(nonNull)
		p.PKCandidate = p.NullRate < pkMaxNullRate && distinctRate > pkMinDistinctRate
	}
	return p
}

func topN(counts map[string]int64, n int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ProfileSheet streams one sheet and profiles every column.
func ProfileSheet(wb sheet.Workbook, name string) (SheetProfile, error) {
	header, err := wb.Header(name)
	if err != nil {
		return SheetProfile{}, err
	}
	states := make([]*columnState, len(header))
	for i, h := range header {
		states[i] = newColumnState(h)
	}

	it, err := wb.Rows(name)
	if err != nil {
		return SheetProfile{}, err
	}
	defer it.Close()

	var rows int64
	for it.Next() {
		row := sheet.PadRow(it.Row(), len(header))
		for i := range states {
			states[i].observe(row[i])
		}
		rows++
	}
	if err := it.Err(); err != nil {
		return SheetProfile{}, err
	}

	profile := SheetProfile{Sheet: name, Rows: rows}
	for _, st := range states {
		profile.Columns = append(profile.Columns, st.finish())
	}
	return profile, nil
}
