package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/aggregates"
	"github.com/prodplan/prodplan/internal/ingest"
	"github.com/prodplan/prodplan/internal/lock"
	"github.com/prodplan/prodplan/internal/metrics"
	"github.com/prodplan/prodplan/internal/validate"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest-turbo",
	Short: "Run the full ingestion pipeline: extract, load, merge, derive",
	Long: `Runs one ingestion of the configured source file. The run takes the
ingestion lock, skips entirely when the file digest matches the last
completed run, and writes its reports under the processed directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		orch := &ingest.Orchestrator{
			Store:        store,
			Locker:       lock.New(cfg.RedisURL, cfg.ProcessedDir, log),
			SourcePath:   cfg.SourcePath,
			ProcessedDir: cfg.ProcessedDir,
			ReportsDir:   cfg.ReportsDir,
			Log:          log,
			Validator: &validate.Validator{
				DB: store.DB, DocsDir: cfg.DocsDir, Log: log,
			},
			Aggregates: &aggregates.Engine{Store: store, Log: log},
		}

		report, err := orch.Run(ctx)
		if err != nil {
			metrics.IngestionRuns.WithLabelValues("failed").Inc()
			if errors.Is(err, lock.ErrConcurrentRun) {
				return fmt.Errorf("CONCURRENT_RUN: %w", err)
			}
			return err
		}
		if report.Idempotent {
			metrics.IngestionRuns.WithLabelValues("idempotent").Inc()
			fmt.Printf("source unchanged, run %d already ingested it\n", report.RunID)
			return nil
		}

		metrics.IngestionRuns.WithLabelValues("completed").Inc()
		metrics.IngestionDuration.Observe(report.ElapsedSeconds)
		if report.Merge != nil {
			for sheetName, res := range report.Merge.Results {
				spec, ok := ingest.SheetByName(sheetName)
				if !ok {
					continue
				}
				metrics.RowsProcessed.WithLabelValues(spec.Entity).Add(float64(res.Processed))
				metrics.RowsRejected.WithLabelValues(spec.Entity).Add(float64(res.Rejected))
			}
		}

		fmt.Printf("run %d completed: %d rows merged, %d rejected in %.1fs\n",
			report.RunID, report.TotalProcessed, report.TotalRejected, report.ElapsedSeconds)
		if report.Validation != nil && report.Validation.Mismatches > 0 {
			// The run itself is committed and recorded; the non-zero exit is
			// for CI, which must not promote on a broken count contract.
			log.Warn("run completed with count mismatches",
				zap.Int("mismatches", report.Validation.Mismatches))
			return fmt.Errorf("count contract violated: %s", report.Validation.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
