package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/fingerprint"
	"github.com/prodplan/prodplan/internal/storage/postgres"
	"github.com/prodplan/prodplan/internal/types"
)

// coreSchemas is the resolution order for unqualified core table names.
var coreSchemas = []string{"core", "public"}

// Merger moves staging rows into the typed core tables. Every business row
// either upserts or lands in a rejects table with one reason code; reject
// passes run in declaration order and each pass removes its rows from
// staging so later passes only see survivors.
type Merger struct {
	Store *postgres.Store
	Log   *zap.Logger
}

// Merge processes every sheet in pipeline order under one run. Sheet
// failures are isolated; the run status records whether all sheets made it.
func (m *Merger) Merge(ctx context.Context, runID int64) (*types.MergeReport, error) {
	if err := m.setRunStatus(ctx, runID, types.RunMergeRunning); err != nil {
		return nil, err
	}

	report := &types.MergeReport{RunID: runID, Results: map[string]types.SheetMerge{}}
	failed := false
	for _, spec := range Sheets {
		res := m.mergeSheet(ctx, runID, spec)
		report.Results[spec.Sheet] = res
		report.TotalProcessed += res.Processed
		report.TotalRejected += res.Rejected
		if res.Error == "" {
			report.MergedSheets++
		} else {
			failed = true
			m.Log.Error("sheet merge failed",
				zap.String("sheet", spec.Sheet), zap.String("error", res.Error))
		}
	}

	status := types.RunMergeDone
	if failed {
		status = types.RunMergeFailed
	}
	if err := m.setRunStatus(ctx, runID, status); err != nil {
		return report, err
	}
	if failed {
		return report, fmt.Errorf("%d of %d sheets failed to merge",
			len(Sheets)-report.MergedSheets, len(Sheets))
	}
	return report, nil
}

func (m *Merger) setRunStatus(ctx context.Context, runID int64, status types.RunStatus) error {
	_, err := m.Store.Pool.Exec(ctx,
		"UPDATE ingestion_runs SET status = $2 WHERE run_id = $1", runID, string(status))
	if err != nil {
		return fmt.Errorf("set run %d status %s: %w", runID, status, err)
	}
	return nil
}

func (m *Merger) mergeSheet(ctx context.Context, runID int64, spec SheetSpec) types.SheetMerge {
	res := types.SheetMerge{SheetName: spec.Sheet}
	start := time.Now()
	fail := func(code types.RejectReason, err error) types.SheetMerge {
		res.Error = fmt.Sprintf("%s: %v", code, err)
		res.ElapsedSeconds = time.Since(start).Seconds()
		return res
	}

	staging, err := postgres.ResolveTable(ctx, m.Store.DB, spec.StagingTable, nil)
	if err != nil {
		return fail(types.RejectMappingError, err)
	}
	core, err := postgres.ResolveTable(ctx, m.Store.DB, spec.CoreTable, coreSchemas)
	if err != nil {
		return fail(types.RejectMappingError, err)
	}
	cols, err := postgres.ColumnTypes(ctx, m.Store.DB, core)
	if err != nil {
		return fail(types.RejectMappingError, err)
	}
	udt := map[string]string{}
	for _, c := range cols {
		udt[c.Name] = c.UDT
	}
	for _, t := range spec.Targets() {
		if _, ok := udt[t]; !ok {
			return fail(types.RejectMappingError,
				fmt.Errorf("column %s missing from %s", t, core))
		}
	}
	conflict, err := m.conflictTarget(ctx, core, spec)
	if err != nil {
		return fail(types.RejectMappingError, err)
	}

	if err := m.Store.Pool.QueryRow(ctx,
		"SELECT count(*) FROM "+staging).Scan(&res.StagingCount); err != nil {
		return fail(types.RejectMappingError, fmt.Errorf("count staging: %w", err))
	}

	rejected, err := m.rejectPasses(ctx, runID, staging, spec, udt, requiredColumns(spec, cols))
	if err != nil {
		return fail(types.RejectMappingError, err)
	}
	res.Rejected = rejected

	var processed int64
	if spec.ErrorRules {
		processed, err = m.upsertErrors(ctx, staging, core, spec)
	} else {
		processed, err = m.upsert(ctx, staging, core, spec, udt, conflict)
	}
	if err != nil {
		return fail(types.RejectUpsertError, err)
	}
	res.Processed = processed
	res.ElapsedSeconds = time.Since(start).Seconds()
	m.Log.Info("sheet merged",
		zap.String("sheet", spec.Sheet),
		zap.Int64("staging", res.StagingCount),
		zap.Int64("processed", processed),
		zap.Int64("rejected", rejected),
		zap.Float64("elapsed_s", res.ElapsedSeconds))
	return res
}

// conflictTarget verifies the declared conflict key against the catalog:
// an exact unique set must exist, otherwise the primary key is used.
func (m *Merger) conflictTarget(ctx context.Context, core string, spec SheetSpec) ([]string, error) {
	sets, err := postgres.UniqueSets(ctx, m.Store.DB, core)
	if err != nil {
		return nil, err
	}
	want := append([]string(nil), spec.ConflictKey...)
	sort.Strings(want)
	var pk []string
	for _, s := range sets {
		have := append([]string(nil), s.Columns...)
		sort.Strings(have)
		if equalStrings(want, have) {
			return spec.ConflictKey, nil
		}
		if s.Kind == "PK" {
			pk = s.Columns
		}
	}
	if pk != nil {
		m.Log.Warn("declared conflict key not unique in catalog, using primary key",
			zap.String("table", core),
			zap.Strings("declared", spec.ConflictKey),
			zap.Strings("pk", pk))
		return pk, nil
	}
	return nil, fmt.Errorf("no unique set matches conflict key %v on %s", spec.ConflictKey, core)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rejectPasses runs the classification rules in order. Each pass copies the
// matching raw rows into <entity>_rejects and deletes them from staging.
func (m *Merger) rejectPasses(ctx context.Context, runID int64, staging string, spec SheetSpec, udt map[string]string, required []string) (int64, error) {
	var total int64
	run := func(reason types.RejectReason, pred, detail string) error {
		if pred == "" {
			return nil
		}
		n, err := m.rejectWhere(ctx, runID, staging, spec, reason, pred, detail)
		if err != nil {
			return err
		}
		total += n
		return nil
	}

	if err := run(types.RejectNullConflictKey, nullPredicate(spec.NullCheck),
		"conflict key empty: "+strings.Join(spec.NullCheck, ", ")); err != nil {
		return total, err
	}
	if err := run(types.RejectNullRequiredField, castNullPredicate(required, udt),
		"required field empty: "+strings.Join(required, ", ")); err != nil {
		return total, err
	}
	if spec.TimeRange {
		pred := fmt.Sprintf("%s > %s",
			CastExpr("s.started_at", udt["started_at"]),
			CastExpr("s.finished_at", udt["finished_at"]))
		if err := run(types.RejectInvalidTimeRange, pred,
			"started_at is after finished_at"); err != nil {
			return total, err
		}
	}
	if spec.WorkerFK {
		pred := fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM core.workers w WHERE w.worker_id = %s)",
			CastExpr("s.worker_id", "int8"))
		if err := run(types.RejectForeignKey, pred,
			"worker_id has no matching workers row"); err != nil {
			return total, err
		}
	}
	if spec.ErrorRules {
		sev := NullifyExpr("s.severity")
		pred := fmt.Sprintf(
			"%[1]s IS NOT NULL AND (%[1]s !~ '^[0-9]+$' OR (%[1]s)::int NOT BETWEEN 1 AND 3)", sev)
		if err := run(types.RejectInvalidGravidade, pred,
			"severity outside 1..3"); err != nil {
			return total, err
		}
		pred = fmt.Sprintf("%s IS NULL OR %s IS NULL OR %s IS NULL",
			NullifyExpr("s.description"), NullifyExpr("s.order_id"), sev)
		if err := run(types.RejectNullRequired, pred,
			"description, order_id or severity empty"); err != nil {
			return total, err
		}
	}
	return total, nil
}

func nullPredicate(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = NullifyExpr("s."+c) + " IS NULL"
	}
	return strings.Join(parts, " OR ")
}

// requiredColumns derives the NULL_REQUIRED_FIELD set from the catalog: every
// NOT NULL target column outside the conflict key. Declaring the set by hand
// would drift silently the next time a migration tightens a column.
func requiredColumns(spec SheetSpec, cols []postgres.Column) []string {
	if spec.ErrorRules {
		// errors runs its own required pass after the severity check.
		return nil
	}
	inKey := map[string]bool{}
	for _, c := range spec.ConflictKey {
		inKey[c] = true
	}
	nullable := map[string]bool{}
	for _, c := range cols {
		nullable[c.Name] = c.Nullable
	}
	var out []string
	for _, t := range spec.Targets() {
		if !inKey[t] && !nullable[t] {
			out = append(out, t)
		}
	}
	return out
}

// castNullPredicate matches rows whose cast would land NULL in a NOT NULL
// column, so they reject here instead of failing the whole upsert.
func castNullPredicate(cols []string, udt map[string]string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "(" + CastExpr("s."+c, udt[c]) + ") IS NULL"
	}
	return strings.Join(parts, " OR ")
}

func (m *Merger) rejectWhere(ctx context.Context, runID int64, staging string, spec SheetSpec, reason types.RejectReason, pred, detail string) (int64, error) {
	tx, err := m.Store.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	insert := fmt.Sprintf(`
		INSERT INTO %s_rejects (run_id, sheet_name, row_number, reason_code, reason_detail, payload)
		SELECT $1, $2, s._rn, $3, $4, to_jsonb(s) - '_rn'
		FROM %s s WHERE %s`, spec.Entity, staging, pred)
	tag, err := tx.Exec(ctx, insert, runID, spec.Sheet, string(reason), detail)
	if err != nil {
		return 0, fmt.Errorf("reject %s: %w", reason, err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s s WHERE %s", staging, pred)); err != nil {
		return 0, fmt.Errorf("drop rejected %s rows: %w", reason, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// upsert writes the surviving staging rows into the core table.
func (m *Merger) upsert(ctx context.Context, staging, core string, spec SheetSpec, udt map[string]string, conflict []string) (int64, error) {
	tag, err := m.Store.Pool.Exec(ctx, buildUpsertSQL(staging, core, spec, udt, conflict))
	if err != nil {
		return 0, fmt.Errorf("upsert into %s: %w", core, err)
	}
	return tag.RowsAffected(), nil
}

// buildUpsertSQL assembles the merge statement. DISTINCT ON the conflict key
// with _rn DESC makes the last occurrence in the file win, matching
// source-system export semantics.
func buildUpsertSQL(staging, core string, spec SheetSpec, udt map[string]string, conflict []string) string {
	targets := spec.Targets()
	keyExprs := make([]string, len(conflict))
	for i, c := range conflict {
		keyExprs[i] = CastExpr("s."+c, udt[c])
	}
	selectExprs := make([]string, len(targets))
	for i, t := range targets {
		selectExprs[i] = CastExpr("s."+t, udt[t])
	}

	isKey := map[string]bool{}
	for _, c := range conflict {
		isKey[c] = true
	}
	var sets []string
	for _, t := range targets {
		if !isKey[t] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", t, t))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT DISTINCT ON (%s) %s
		FROM %s s
		ORDER BY %s, s._rn DESC
		ON CONFLICT (%s) %s`,
		core, strings.Join(targets, ", "),
		strings.Join(keyExprs, ", "), strings.Join(selectExprs, ", "),
		staging,
		strings.Join(keyExprs, ", "),
		strings.Join(conflict, ", "), action)
}

// errorsConflictClause refreshes a duplicate's descriptive fields from the
// latest load. The fingerprint already normalizes all six inputs, so only
// incidental spelling of the surviving row changes; event_time keeps the
// first sighting.
const errorsConflictClause = `ON CONFLICT (fingerprint, order_id) DO UPDATE SET
				eval_phase_id = EXCLUDED.eval_phase_id,
				severity = EXCLUDED.severity,
				description = EXCLUDED.description,
				eval_phase_event_id = EXCLUDED.eval_phase_event_id,
				blamed_phase_event_id = EXCLUDED.blamed_phase_event_id`

// upsertErrors merges error rows under the fingerprint identity. When the
// error_fingerprint SQL function is installed the whole merge is one
// statement; otherwise fingerprints are computed here row by row.
func (m *Merger) upsertErrors(ctx context.Context, staging, core string, spec SheetSpec) (int64, error) {
	hasFn, err := postgres.FunctionExists(ctx, m.Store.DB, "public.error_fingerprint")
	if err != nil {
		return 0, err
	}
	if hasFn {
		return m.upsertErrorsSQL(ctx, staging, core)
	}
	m.Log.Warn("error_fingerprint function not installed, hashing client-side")
	return m.upsertErrorsClient(ctx, staging, core)
}

func (m *Merger) upsertErrorsSQL(ctx context.Context, staging, core string) (int64, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (order_id, eval_phase_id, severity, description,
		                eval_phase_event_id, blamed_phase_event_id, fingerprint)
		SELECT DISTINCT ON (x.fingerprint, x.order_id)
		       x.order_id, x.eval_phase_id, x.severity, x.description,
		       x.eval_phase_event_id, x.blamed_phase_event_id, x.fingerprint
		FROM (
			SELECT %s AS order_id,
			       %s AS eval_phase_id,
			       %s AS severity,
			       %s AS description,
			       %s AS eval_phase_event_id,
			       %s AS blamed_phase_event_id,
			       public.error_fingerprint(ARRAY[%s, %s, %s, %s, %s, %s]) AS fingerprint
			FROM %s s
		) x
		%s`,
		core,
		NullifyExpr("s.order_id"),
		CastExpr("s.eval_phase_id", "int8"),
		CastExpr("s.severity", "int4"),
		NullifyExpr("s.description"),
		NullifyExpr("s.eval_phase_event_id"),
		NullifyExpr("s.blamed_phase_event_id"),
		NullifyExpr("s.description"),
		NullifyExpr("s.order_id"),
		NullifyExpr("s.eval_phase_id"),
		NullifyExpr("s.severity"),
		NullifyExpr("s.eval_phase_event_id"),
		NullifyExpr("s.blamed_phase_event_id"),
		staging,
		errorsConflictClause)
	tag, err := m.Store.Pool.Exec(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("upsert errors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (m *Merger) upsertErrorsClient(ctx context.Context, staging, core string) (int64, error) {
	sql := fmt.Sprintf(`
		SELECT %s, %s, %s, %s, %s, %s FROM %s s`,
		NullifyExpr("s.order_id"),
		NullifyExpr("s.eval_phase_id"),
		NullifyExpr("s.severity"),
		NullifyExpr("s.description"),
		NullifyExpr("s.eval_phase_event_id"),
		NullifyExpr("s.blamed_phase_event_id"),
		staging)
	rows, err := m.Store.Pool.Query(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("read staged errors: %w", err)
	}
	defer rows.Close()

	insert := fmt.Sprintf(`
		INSERT INTO %s (order_id, eval_phase_id, severity, description,
		                eval_phase_event_id, blamed_phase_event_id, fingerprint)
		VALUES ($1, ($2)::bigint, ($3)::int, $4, $5, $6, $7)
		%s`, core, errorsConflictClause)

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	// Matches the regex guard in the SQL path: junk ids degrade to NULL
	// instead of aborting the batch. The fingerprint still hashes the raw
	// text so dedup is unaffected.
	digitsOrNil := func(p *string) *string {
		if p == nil || !isDigits(*p) {
			return nil
		}
		return p
	}

	var total int64
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		br := m.Store.Pool.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("insert error row: %w", err)
			}
			total += tag.RowsAffected()
		}
		batch = &pgx.Batch{}
		return br.Close()
	}

	for rows.Next() {
		var orderID, evalPhaseID, severity, description, evalEventID, blamedEventID *string
		if err := rows.Scan(&orderID, &evalPhaseID, &severity, &description, &evalEventID, &blamedEventID); err != nil {
			return total, err
		}
		fp := fingerprint.Error(
			deref(description), deref(orderID), deref(evalPhaseID),
			deref(severity), deref(evalEventID), deref(blamedEventID))
		batch.Queue(insert, orderID, digitsOrNil(evalPhaseID), severity, description, evalEventID, blamedEventID, fp)
		if batch.Len() >= 500 {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, err
	}
	return total, flush()
}
