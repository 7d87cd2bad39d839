package inspect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prodplan/prodplan/internal/ingest"
	"github.com/prodplan/prodplan/internal/sheet"
)

// ErrInspectorRead wraps any failure to read the source file or a sheet.
// Callers report it as a source problem, distinct from inspector bugs.
var ErrInspectorRead = fmt.Errorf("inspector could not read source")

// ProfileReport is written to PROFILE_REPORT.json.
type ProfileReport struct {
	SourcePath  string         `json:"source_path"`
	GeneratedAt time.Time      `json:"generated_at"`
	Sheets      []SheetProfile `json:"sheets"`
}

// RelationshipsReport is written to RELATIONSHIPS_REPORT.json and consumed
// by the feature-gate evaluation.
type RelationshipsReport struct {
	SourcePath    string         `json:"source_path"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Relationships []Relationship `json:"relationships"`
}

// Inspector profiles the source workbook and verifies the declared
// relationships. Each profiling goroutine opens its own workbook handle, so
// the reader implementation never needs to be safe for concurrent use.
type Inspector struct {
	SourcePath string
	DocsDir    string
	Log        *zap.Logger

	// Open defaults to the xlsx reader; tests substitute memory workbooks.
	Open func() (sheet.Workbook, error)
	// Parallelism bounds concurrent sheet profiling; zero means 4.
	Parallelism int
}

func (ins *Inspector) open() (sheet.Workbook, error) {
	if ins.Open != nil {
		return ins.Open()
	}
	return sheet.OpenXLSX(ins.SourcePath)
}

// Run profiles every declared sheet, checks every declared relationship,
// and writes the three inspection artifacts into DocsDir.
func (ins *Inspector) Run() (*ProfileReport, *RelationshipsReport, error) {
	now := time.Now().UTC()

	profiles := make([]SheetProfile, len(ingest.Sheets))
	var g errgroup.Group
	limit := ins.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, spec := range ingest.Sheets {
		i, spec := i, spec
		g.Go(func() error {
			wb, err := ins.open()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInspectorRead, err)
			}
			defer wb.Close()
			p, err := ProfileSheet(wb, spec.Sheet)
			if err != nil {
				return fmt.Errorf("%w: sheet %s: %v", ErrInspectorRead, spec.Sheet, err)
			}
			profiles[i] = p
			ins.Log.Info("sheet profiled",
				zap.String("sheet", spec.Sheet), zap.Int64("rows", p.Rows))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	wb, err := ins.open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInspectorRead, err)
	}
	defer wb.Close()

	rels := make([]Relationship, 0, len(DeclaredRelationships))
	for _, decl := range DeclaredRelationships {
		rel, err := CheckRelationship(wb, decl)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInspectorRead, err)
		}
		ins.Log.Info("relationship checked",
			zap.String("relationship", rel.Name),
			zap.Float64("match_rate", rel.MatchRate),
			zap.Int64("orphans", rel.ChildNonNull-rel.Matched))
		rels = append(rels, rel)
	}

	profileReport := &ProfileReport{
		SourcePath: ins.SourcePath, GeneratedAt: now, Sheets: profiles,
	}
	relReport := &RelationshipsReport{
		SourcePath: ins.SourcePath, GeneratedAt: now, Relationships: rels,
	}

	if err := ingest.WriteJSON(
		filepath.Join(ins.DocsDir, "PROFILE_REPORT.json"), profileReport); err != nil {
		return nil, nil, err
	}
	if err := ingest.WriteJSON(
		filepath.Join(ins.DocsDir, "RELATIONSHIPS_REPORT.json"), relReport); err != nil {
		return nil, nil, err
	}
	if err := WriteDataDictionary(
		filepath.Join(ins.DocsDir, "DATA_DICTIONARY.md"), profileReport, relReport); err != nil {
		return nil, nil, err
	}
	return profileReport, relReport, nil
}

// WriteDataDictionary renders the human-readable dictionary from the two
// machine reports.
func WriteDataDictionary(path string, profiles *ProfileReport, rels *RelationshipsReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Data Dictionary\n\n")
	fmt.Fprintf(&b, "Source: `%s`\nGenerated: %s\n\n",
		profiles.SourcePath, profiles.GeneratedAt.Format(time.RFC3339))

	for _, s := range profiles.Sheets {
		fmt.Fprintf(&b, "## %s\n\n%d rows\n\n", s.Sheet, s.Rows)
		fmt.Fprintf(&b, "| Column | Type | Null %% | Distinct | Key candidate | Most common |\n")
		fmt.Fprintf(&b, "|--------|------|--------|----------|---------------|-------------|\n")
		for _, c := range s.Columns {
			distinct := fmt.Sprintf("%d", c.Distinct)
			if !c.DistinctExact {
				distinct = "~" + distinct
			}
			key := ""
			if c.PKCandidate {
				key = "yes"
			}
			top := ""
			if len(c.TopValues) > 0 {
				top = fmt.Sprintf("%s (%d)", c.TopValues[0].Value, c.TopValues[0].Count)
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f | %s | %s | %s |\n",
				c.Name, c.InferredType, c.NullRate*100, distinct, key, top)
		}
		if c := dateRange(s.Columns); c != "" {
			fmt.Fprintf(&b, "\nDate coverage: %s\n", c)
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "## Relationships\n\n")
	fmt.Fprintf(&b, "| Relationship | Child | Parent | Match rate | Orphans |\n")
	fmt.Fprintf(&b, "|--------------|-------|--------|------------|--------|\n")
	for _, r := range rels.Relationships {
		fmt.Fprintf(&b, "| %s | %s.%s | %s.%s | %.2f%% | %d |\n",
			r.Name, r.ChildSheet, r.ChildColumn, r.ParentSheet, r.ParentColumn,
			r.MatchRate*100, r.ChildNonNull-r.Matched)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func dateRange(cols []ColumnProfile) string {
	var lo, hi string
	for _, c := range cols {
		if c.MinDate == "" {
			continue
		}
		if lo == "" || c.MinDate < lo {
			lo = c.MinDate
		}
		if c.MaxDate > hi {
			hi = c.MaxDate
		}
	}
	if lo == "" {
		return ""
	}
	return lo + " to " + hi
}

// sortedSheetNames is used by tests to assert report stability.
func sortedSheetNames(r *ProfileReport) []string {
	names := make([]string, len(r.Sheets))
	for i, s := range r.Sheets {
		names[i] = s.Sheet
	}
	sort.Strings(names)
	return names
}
