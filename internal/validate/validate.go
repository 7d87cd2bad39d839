// Package validate checks the count contract after a merge: for every
// entity, expected == core rows + rejected rows for the run, within a 1%
// tolerance. Violations are written to CRITICAL_MISMATCHES.md and block the
// release gate; they never abort the ingestion run itself.
package validate

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/storage/postgres"
	"github.com/prodplan/prodplan/internal/types"
)

// Tolerance is the allowed relative deviation from the expected count.
const Tolerance = 0.01

// ExpectedCounts pins the dataset contract: row counts of the reference
// source export. A source file that drifts from these numbers is a schema
// or export problem, not an ingestion bug, and must be looked at by a human.
var ExpectedCounts = map[string]int64{
	"orders":                  27380,
	"order_phases":            519079,
	"phase_workers":           423769,
	"errors":                  89836,
	"workers":                 902,
	"worker_phase_skills":     902,
	"phases":                  71,
	"products":                894,
	"product_phase_standards": 15347,
}

// Result is the reconciliation outcome for one entity.
type Result struct {
	Entity   string  `json:"entity"`
	Expected int64   `json:"expected"`
	Core     int64   `json:"core"`
	Rejected int64   `json:"rejected"`
	Total    int64   `json:"total"`
	DeltaPct float64 `json:"delta_pct"`
	OK       bool    `json:"ok"`
}

// Validator reconciles core and reject counts against the contract.
type Validator struct {
	DB      postgres.Querier
	DocsDir string
	Log     *zap.Logger
}

// Validate reconciles every entity for the given run.
func (v *Validator) Validate(ctx context.Context, runID int64) ([]Result, error) {
	entities := make([]string, 0, len(ExpectedCounts))
	for e := range ExpectedCounts {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	results := make([]Result, 0, len(entities))
	for _, entity := range entities {
		r := Result{Entity: entity, Expected: ExpectedCounts[entity]}

		if err := v.DB.QueryRowContext(ctx,
			fmt.Sprintf("SELECT count(*) FROM core.%s", entity)).Scan(&r.Core); err != nil {
			return nil, fmt.Errorf("count core.%s: %w", entity, err)
		}
		if err := v.DB.QueryRowContext(ctx,
			fmt.Sprintf("SELECT count(*) FROM %s_rejects WHERE run_id = $1", entity),
			runID).Scan(&r.Rejected); err != nil {
			return nil, fmt.Errorf("count %s_rejects: %w", entity, err)
		}

		r.Total = r.Core + r.Rejected
		if r.Expected > 0 {
			r.DeltaPct = math.Abs(float64(r.Total-r.Expected)) / float64(r.Expected)
		}
		r.OK = r.DeltaPct <= Tolerance
		results = append(results, r)
	}
	return results, nil
}

// Summarize runs the reconciliation and reduces it to the run report's
// validation block, writing CRITICAL_MISMATCHES.md when anything is off.
func (v *Validator) Summarize(ctx context.Context, runID int64) (*types.ValidationSummary, error) {
	results, err := v.Validate(ctx, runID)
	if err != nil {
		return nil, err
	}

	var bad []Result
	for _, r := range results {
		if !r.OK {
			bad = append(bad, r)
		}
	}
	if len(bad) == 0 {
		return &types.ValidationSummary{
			Status:  "ok",
			Message: fmt.Sprintf("all %d entities within %.0f%% of contract", len(results), Tolerance*100),
		}, nil
	}

	if v.DocsDir != "" {
		path := filepath.Join(v.DocsDir, "CRITICAL_MISMATCHES.md")
		if err := WriteMismatches(path, runID, bad); err != nil {
			v.Log.Warn("write mismatch report", zap.Error(err))
		} else {
			v.Log.Warn("count mismatches written", zap.String("path", path))
		}
	}
	names := make([]string, len(bad))
	for i, r := range bad {
		names[i] = r.Entity
	}
	return &types.ValidationSummary{
		Status:     "mismatch",
		Message:    "count contract violated: " + strings.Join(names, ", "),
		Mismatches: len(bad),
	}, nil
}

// WriteMismatches renders the human escalation document.
func WriteMismatches(path string, runID int64, bad []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Critical Count Mismatches\n\n")
	fmt.Fprintf(&b, "Run: %d\nGenerated: %s\n\n", runID, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "The counts below deviate more than %.0f%% from the dataset contract.\n", Tolerance*100)
	fmt.Fprintf(&b, "Do not release until the source export is explained or the contract is revised.\n\n")
	fmt.Fprintf(&b, "| Entity | Expected | Core | Rejected | Total | Delta |\n")
	fmt.Fprintf(&b, "|--------|----------|------|----------|-------|-------|\n")
	for _, r := range bad {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %.2f%% |\n",
			r.Entity, r.Expected, r.Core, r.Rejected, r.Total, r.DeltaPct*100)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
