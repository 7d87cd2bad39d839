package ingest

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/types"
)

// Loader bulk-loads the extracted csv.gz files into staging with COPY.
// Sheets are isolated: one sheet failing to load leaves the others loaded
// and is surfaced in the report, not as a run error.
type Loader struct {
	Pool         *pgxpool.Pool
	ProcessedDir string
	Log          *zap.Logger
}

// sessionSettings trade durability for speed on the staging-only session.
// Staging tables are UNLOGGED and rebuilt every run, so losing them on a
// crash costs nothing.
var sessionSettings = []string{
	"SET synchronous_commit = off",
	"SET work_mem = '256MB'",
	"SET statement_timeout = '1h'",
}

// Load truncates every staging table and COPYes the extracted files in.
func (l *Loader) Load(ctx context.Context) (*types.LoadReport, error) {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	for _, s := range sessionSettings {
		if _, err := conn.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
	}

	report := &types.LoadReport{
		Results:  map[string]types.SheetLoad{},
		LoadedAt: time.Now().UTC(),
	}
	for _, spec := range Sheets {
		res := l.loadSheet(ctx, conn, spec)
		report.Results[spec.Sheet] = res
		if res.Error == "" {
			report.LoadedSheets++
		} else {
			l.Log.Error("sheet load failed",
				zap.String("sheet", spec.Sheet), zap.String("error", res.Error))
		}
	}
	return report, nil
}

func (l *Loader) loadSheet(ctx context.Context, conn *pgxpool.Conn, spec SheetSpec) types.SheetLoad {
	res := types.SheetLoad{SheetName: spec.Sheet, StagingTable: spec.StagingTable}
	start := time.Now()

	fail := func(err error) types.SheetLoad {
		res.Error = err.Error()
		res.ElapsedSeconds = time.Since(start).Seconds()
		return res
	}

	path := filepath.Join(l.ProcessedDir, spec.Entity+".csv.gz")
	f, err := os.Open(path)
	if err != nil {
		return fail(fmt.Errorf("open extract: %w", err))
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fail(fmt.Errorf("gunzip extract: %w", err))
	}
	defer gz.Close()

	if _, err := conn.Exec(ctx,
		fmt.Sprintf("TRUNCATE %s RESTART IDENTITY", spec.StagingTable)); err != nil {
		return fail(fmt.Errorf("truncate: %w", err))
	}

	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true)",
		spec.StagingTable, strings.Join(spec.Targets(), ", "))
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, gz, copySQL)
	if err != nil {
		return fail(fmt.Errorf("copy: %w", err))
	}

	res.RowCount = tag.RowsAffected()
	res.ElapsedSeconds = time.Since(start).Seconds()
	l.Log.Info("sheet loaded",
		zap.String("sheet", spec.Sheet),
		zap.Int64("rows", res.RowCount),
		zap.Float64("elapsed_s", res.ElapsedSeconds))
	return res
}
