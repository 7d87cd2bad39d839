package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/lock"
	"github.com/prodplan/prodplan/internal/sheet"
	"github.com/prodplan/prodplan/internal/storage/postgres"
	"github.com/prodplan/prodplan/internal/types"
)

// Validator summarizes the count contract after a merge. Implemented by the
// validate package; failures are reported, never fatal to the run.
type Validator interface {
	Summarize(ctx context.Context, runID int64) (*types.ValidationSummary, error)
}

// AggregateRefresher warms the incremental aggregates after a run. Optional;
// the worker also refreshes on its own schedule.
type AggregateRefresher interface {
	RefreshSince(ctx context.Context, since time.Time, runID int64) error
}

// initialAggregateWindow is how far back the post-run aggregate warmup
// reaches. The worker catches up anything older via the watermarks.
const initialAggregateWindow = 7 * 24 * time.Hour

// Orchestrator drives one full pipeline run: lock, idempotency check,
// extract, load, merge, derived refresh, validation, aggregate warmup,
// reports.
type Orchestrator struct {
	Store        *postgres.Store
	Locker       lock.Locker
	SourcePath   string
	ProcessedDir string
	ReportsDir   string
	Log          *zap.Logger

	// OpenWorkbook defaults to the xlsx reader; tests substitute memory
	// workbooks.
	OpenWorkbook func(path string) (sheet.Workbook, error)
	Validator    Validator
	Aggregates   AggregateRefresher
}

// Run executes the pipeline once. A source file whose digest already has a
// completed run short-circuits to that run's id with Idempotent set.
func (o *Orchestrator) Run(ctx context.Context) (*types.IngestionReport, error) {
	start := time.Now()

	held, err := o.Locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrConcurrentRun) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			o.Log.Warn("release run lock", zap.Error(err))
		}
	}()

	sourceSHA, err := FileSHA256(o.SourcePath)
	if err != nil {
		return nil, err
	}

	if prior, ok, err := o.priorCompletedRun(ctx, sourceSHA); err != nil {
		return nil, err
	} else if ok {
		o.Log.Info("source unchanged since last completed run, skipping",
			zap.Int64("run_id", prior), zap.String("sha256", sourceSHA[:12]))
		return &types.IngestionReport{
			RunID:        prior,
			SourceSHA256: sourceSHA,
			Idempotent:   true,
		}, nil
	}

	runID, err := o.insertRun(ctx, sourceSHA)
	if err != nil {
		return nil, err
	}
	o.Log.Info("ingestion run started",
		zap.Int64("run_id", runID), zap.String("source", o.SourcePath))

	report, err := o.execute(ctx, runID, sourceSHA)
	report.ElapsedSeconds = time.Since(start).Seconds()
	if err != nil {
		o.failRun(ctx, runID, err)
		return report, err
	}
	if err := o.completeRun(ctx, runID, report); err != nil {
		return report, err
	}
	o.Log.Info("ingestion run completed",
		zap.Int64("run_id", runID),
		zap.Int64("processed", report.TotalProcessed),
		zap.Int64("rejected", report.TotalRejected),
		zap.Float64("elapsed_s", report.ElapsedSeconds))
	return report, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID int64, sourceSHA string) (*types.IngestionReport, error) {
	report := &types.IngestionReport{RunID: runID, SourceSHA256: sourceSHA}

	open := o.OpenWorkbook
	if open == nil {
		open = func(path string) (sheet.Workbook, error) { return sheet.OpenXLSX(path) }
	}
	wb, err := open(o.SourcePath)
	if err != nil {
		return report, fmt.Errorf("open workbook: %w", err)
	}
	defer wb.Close()

	extractor := &Extractor{ProcessedDir: o.ProcessedDir, Log: o.Log}
	extraction, err := extractor.Extract(wb, o.SourcePath, sourceSHA)
	if err != nil {
		return report, err
	}
	report.Extraction = extraction
	o.writeReport("extraction_report.json", extraction)

	loader := &Loader{Pool: o.Store.Pool, ProcessedDir: o.ProcessedDir, Log: o.Log}
	load, err := loader.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Load = load
	o.writeReport("load_report.json", load)
	if load.LoadedSheets == 0 {
		return report, fmt.Errorf("no sheets loaded into staging")
	}

	merger := &Merger{Store: o.Store, Log: o.Log}
	merge, err := merger.Merge(ctx, runID)
	if merge != nil {
		report.Merge = merge
		report.TotalProcessed = merge.TotalProcessed
		report.TotalRejected = merge.TotalRejected
		o.writeReport("merge_report.json", merge)
		o.recordSheetRuns(ctx, runID, report)
	}
	if err != nil {
		return report, err
	}

	if _, err := RefreshDerived(ctx, o.Store, o.Log); err != nil {
		return report, err
	}

	if o.Validator != nil {
		summary, err := o.Validator.Summarize(ctx, runID)
		if err != nil {
			o.Log.Warn("count validation failed to run", zap.Error(err))
		} else {
			report.Validation = summary
			if summary.Mismatches > 0 {
				o.Log.Warn("count contract violated",
					zap.Int("mismatches", summary.Mismatches),
					zap.String("message", summary.Message))
			}
		}
	}

	if o.Aggregates != nil {
		since := time.Now().UTC().Add(-initialAggregateWindow)
		if err := o.Aggregates.RefreshSince(ctx, since, runID); err != nil {
			o.Log.Warn("initial aggregate refresh failed", zap.Error(err))
		}
	}

	o.writeReport("ingestion_report.json", report)
	if o.ReportsDir != "" {
		if err := WriteJSON(filepath.Join(o.ReportsDir,
			fmt.Sprintf("ingestion_%d.json", runID)), report); err != nil {
			o.Log.Warn("write run report", zap.Error(err))
		}
	}
	return report, nil
}

func (o *Orchestrator) writeReport(name string, v any) {
	if err := WriteJSON(filepath.Join(o.ProcessedDir, name), v); err != nil {
		o.Log.Warn("write report", zap.String("report", name), zap.Error(err))
	}
}

// recordSheetRuns persists the per-sheet trail of the run, one row per
// declared sheet, combining the extraction, load and merge outcomes.
func (o *Orchestrator) recordSheetRuns(ctx context.Context, runID int64, report *types.IngestionReport) {
	for _, spec := range Sheets {
		var extracted, loaded, merged, rejected int64
		var sheetSHA, errMsg string
		status := types.SheetCompleted

		if report.Extraction != nil {
			if rec, ok := report.Extraction.Sheets[spec.Sheet]; ok {
				extracted = rec.RowCount
				sheetSHA = rec.SHA256
			}
		}
		if report.Load != nil {
			if rec, ok := report.Load.Results[spec.Sheet]; ok {
				loaded = rec.RowCount
				if rec.Error != "" {
					status = types.SheetFailed
					errMsg = rec.Error
				}
			}
		}
		if report.Merge != nil {
			if rec, ok := report.Merge.Results[spec.Sheet]; ok {
				merged = rec.Processed
				rejected = rec.Rejected
				if rec.Error != "" {
					status = types.SheetFailed
					errMsg = rec.Error
				}
			}
		}

		if _, err := o.Store.Pool.Exec(ctx, `
			INSERT INTO ingestion_sheet_runs
				(run_id, sheet_name, entity, status, rows_extracted,
				 rows_loaded, rows_merged, rows_rejected, sheet_sha256,
				 error, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), now())
			ON CONFLICT (run_id, sheet_name) DO UPDATE SET
				status = EXCLUDED.status,
				rows_extracted = EXCLUDED.rows_extracted,
				rows_loaded = EXCLUDED.rows_loaded,
				rows_merged = EXCLUDED.rows_merged,
				rows_rejected = EXCLUDED.rows_rejected,
				sheet_sha256 = EXCLUDED.sheet_sha256,
				error = EXCLUDED.error,
				finished_at = now()`,
			runID, spec.Sheet, spec.Entity, string(status),
			extracted, loaded, merged, rejected, sheetSHA, errMsg); err != nil {
			o.Log.Warn("record sheet run",
				zap.String("sheet", spec.Sheet), zap.Error(err))
		}
	}
}

func (o *Orchestrator) priorCompletedRun(ctx context.Context, sourceSHA string) (int64, bool, error) {
	var runID int64
	err := o.Store.Pool.QueryRow(ctx, `
		SELECT run_id FROM ingestion_runs
		WHERE source_sha256 = $1 AND status = $2
		ORDER BY run_id DESC LIMIT 1`,
		sourceSHA, string(types.RunCompleted)).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("check prior runs: %w", err)
	}
	return runID, true, nil
}

func (o *Orchestrator) insertRun(ctx context.Context, sourceSHA string) (int64, error) {
	var runID int64
	err := o.Store.Pool.QueryRow(ctx, `
		INSERT INTO ingestion_runs (status, source_sha256, total_sheets)
		VALUES ($1, $2, $3) RETURNING run_id`,
		string(types.RunRunning), sourceSHA, len(Sheets)).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID int64, cause error) {
	msg := cause.Error()
	if _, err := o.Store.Pool.Exec(context.WithoutCancel(ctx), `
		UPDATE ingestion_runs
		SET status = $2, completed_at = now(), error_message = $3
		WHERE run_id = $1`,
		runID, string(types.RunFailed), msg); err != nil {
		o.Log.Error("mark run failed", zap.Int64("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, runID int64, report *types.IngestionReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	if _, err := o.Store.Pool.Exec(ctx, `
		UPDATE ingestion_runs
		SET status = $2, completed_at = now(),
		    processed_rows = $3, rejected_rows = $4, report = $5
		WHERE run_id = $1`,
		runID, string(types.RunCompleted),
		report.TotalProcessed, report.TotalRejected, payload); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return nil
}
