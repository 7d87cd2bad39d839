package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/storage/postgres"
	"github.com/prodplan/prodplan/internal/types"
	"github.com/prodplan/prodplan/internal/validate"
)

// ErrReleaseBlocked is returned when any gate check fails; the CLI maps it
// to a non-zero exit so CI stops the deploy.
var ErrReleaseBlocked = fmt.Errorf("release blocked")

// Check is one release-gate verdict.
type Check struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// expected partition layouts, pinned by the schema migrations.
const (
	partitionsPhaseWorkers   = 16
	partitionsErrors         = 32
	minPartitionsOrderPhases = 60
)

// requiredArtifacts must exist under DocsDir before a release.
var requiredArtifacts = []string{
	"DATA_DICTIONARY.md",
	"PROFILE_REPORT.json",
	"RELATIONSHIPS_REPORT.json",
	"FEATURE_GATES.json",
	"PERFORMANCE_BASELINE.md",
}

// Gate runs the pre-release checks: schema prerequisites, the count
// contract of the latest run, artifact presence, and the feature gates.
type Gate struct {
	Store       *postgres.Store
	Validator   *validate.Validator
	DatabaseURL string
	DocsDir     string
	Log         *zap.Logger
}

// Run evaluates every check. When any fails it writes RELEASE_BLOCKED.md
// and returns ErrReleaseBlocked alongside the full check list.
func (g *Gate) Run(ctx context.Context) ([]Check, error) {
	checks := []Check{
		g.checkPrerequisites(),
		g.checkMigrations(ctx),
		g.checkPartitions(ctx),
		g.checkCountContract(ctx),
		g.checkArtifacts(),
		g.checkFeatureGates(),
	}

	var failed []Check
	for _, c := range checks {
		if c.OK {
			g.Log.Info("gate check passed", zap.String("check", c.ID))
		} else {
			g.Log.Error("gate check failed",
				zap.String("check", c.ID), zap.String("detail", c.Detail))
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return checks, nil
	}

	path := filepath.Join(g.DocsDir, "RELEASE_BLOCKED.md")
	if err := writeBlocked(path, failed); err != nil {
		g.Log.Warn("write release block report", zap.Error(err))
	}
	return checks, fmt.Errorf("%w: %d of %d checks failed", ErrReleaseBlocked, len(failed), len(checks))
}

func (g *Gate) checkPrerequisites() Check {
	c := Check{ID: "A0-prereqs", Name: "database connection configured"}
	if g.DatabaseURL == "" {
		c.Detail = "DATABASE_URL is not set"
		return c
	}
	u, err := url.Parse(g.DatabaseURL)
	if err != nil {
		c.Detail = fmt.Sprintf("DATABASE_URL does not parse: %v", err)
		return c
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		c.Detail = fmt.Sprintf("DATABASE_URL scheme is %q, want postgres", u.Scheme)
		return c
	}
	c.OK = true
	c.Detail = "postgres URL present"
	return c
}

func (g *Gate) checkMigrations(ctx context.Context) Check {
	c := Check{ID: "A1-migrations", Name: "schema at migration head"}
	v, err := g.Store.MigrationVersion(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if v != postgres.MigrationHead {
		c.Detail = fmt.Sprintf("database at version %d, head is %d", v, postgres.MigrationHead)
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("version %d", v)
	return c
}

func (g *Gate) checkPartitions(ctx context.Context) Check {
	c := Check{ID: "A1-partitions", Name: "partition layout"}

	count := func(table string) (int, error) {
		var n int
		err := g.Store.DB.QueryRowContext(ctx, `
			SELECT count(*)
			FROM pg_inherits i
			JOIN pg_class p ON i.inhparent = p.oid
			JOIN pg_namespace n ON p.relnamespace = n.oid
			WHERE n.nspname = 'core' AND p.relname = $1`, table).Scan(&n)
		return n, err
	}

	var problems []string
	if n, err := count("phase_workers"); err != nil {
		problems = append(problems, err.Error())
	} else if n != partitionsPhaseWorkers {
		problems = append(problems, fmt.Sprintf("phase_workers has %d partitions, want %d", n, partitionsPhaseWorkers))
	}
	if n, err := count("errors"); err != nil {
		problems = append(problems, err.Error())
	} else if n != partitionsErrors {
		problems = append(problems, fmt.Sprintf("errors has %d partitions, want %d", n, partitionsErrors))
	}
	if n, err := count("order_phases"); err != nil {
		problems = append(problems, err.Error())
	} else if n < minPartitionsOrderPhases {
		problems = append(problems, fmt.Sprintf("order_phases has %d partitions, want at least %d", n, minPartitionsOrderPhases))
	}

	if len(problems) > 0 {
		c.Detail = strings.Join(problems, "; ")
		return c
	}
	c.OK = true
	c.Detail = "phase_workers, errors and order_phases partitioned as declared"
	return c
}

func (g *Gate) checkCountContract(ctx context.Context) Check {
	c := Check{ID: "A2-counts", Name: "count contract of latest run"}

	var runID int64
	var status string
	err := g.Store.DB.QueryRowContext(ctx, `
		SELECT run_id, status FROM ingestion_runs
		ORDER BY run_id DESC LIMIT 1`).Scan(&runID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		c.Detail = "no ingestion runs recorded"
		return c
	}
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if status != string(types.RunCompleted) {
		c.Detail = fmt.Sprintf("latest run %d has status %s", runID, status)
		return c
	}

	summary, err := g.Validator.Summarize(ctx, runID)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if summary.Mismatches > 0 {
		c.Detail = summary.Message
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("run %d: %s", runID, summary.Message)
	return c
}

func (g *Gate) checkArtifacts() Check {
	c := Check{ID: "A3-artifacts", Name: "inspection and baseline artifacts present"}
	var missing []string
	for _, name := range requiredArtifacts {
		if _, err := os.Stat(filepath.Join(g.DocsDir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		c.Detail = "missing: " + strings.Join(missing, ", ")
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("all %d artifacts present", len(requiredArtifacts))
	return c
}

func (g *Gate) checkFeatureGates() Check {
	c := Check{ID: "A4-feature-gates", Name: "hard feature gates enabled"}

	path := filepath.Join(g.DocsDir, "FEATURE_GATES.json")
	gates, err := readFeatureGates(path)
	if err != nil {
		c.Detail = err.Error()
		return c
	}

	var disabled []string
	for _, gr := range gates.Gates {
		if gr.Hard && !gr.Enabled {
			disabled = append(disabled,
				fmt.Sprintf("%s (%.2f%% < %.0f%%)", gr.Name, gr.MatchRate*100, gr.Threshold*100))
		}
	}
	if len(disabled) > 0 {
		c.Detail = "hard gates disabled: " + strings.Join(disabled, ", ")
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d gates evaluated", len(gates.Gates))
	return c
}

func readFeatureGates(path string) (*FeatureGates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature gates: %w", err)
	}
	var gates FeatureGates
	if err := json.Unmarshal(data, &gates); err != nil {
		return nil, fmt.Errorf("parse feature gates: %w", err)
	}
	return &gates, nil
}

func writeBlocked(path string, failed []Check) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Release Blocked\n\nGenerated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "The following checks failed. Fix them and rerun the gate.\n\n")
	for _, c := range failed {
		fmt.Fprintf(&b, "- **%s** (%s): %s\n", c.ID, c.Name, c.Detail)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
