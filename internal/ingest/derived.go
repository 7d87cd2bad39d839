package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/storage/postgres"
)

// maxDurationSeconds clamps pathological spans (events left open across
// system migrations) so the numeric(10,2) column never overflows.
const maxDurationSeconds = "99999999.99"

// RefreshDerived recomputes the derived columns of core.order_phases in one
// bulk statement and bumps the cache version so readers notice. Only rows
// whose derived values actually change are written.
func RefreshDerived(ctx context.Context, store *postgres.Store, log *zap.Logger) (int64, error) {
	sql := fmt.Sprintf(`
		UPDATE core.order_phases SET
			event_time = COALESCE(finished_at, started_at, planned_date),
			duration_seconds = CASE
				WHEN started_at IS NOT NULL AND finished_at IS NOT NULL
				THEN LEAST(GREATEST(EXTRACT(EPOCH FROM (finished_at - started_at)), 0), %s)
				ELSE NULL END,
			is_open = started_at IS NOT NULL AND finished_at IS NULL,
			is_done = finished_at IS NOT NULL
		WHERE event_time IS DISTINCT FROM COALESCE(finished_at, started_at, planned_date)
		   OR is_done IS DISTINCT FROM (finished_at IS NOT NULL)
		   OR is_open IS DISTINCT FROM (started_at IS NOT NULL AND finished_at IS NULL)
		   OR (duration_seconds IS NULL AND started_at IS NOT NULL AND finished_at IS NOT NULL)`,
		maxDurationSeconds)

	tag, err := store.Pool.Exec(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("refresh derived columns: %w", err)
	}

	if _, err := store.Pool.Exec(ctx,
		"UPDATE cache_version SET version = version + 1, updated_at = now()"); err != nil {
		return tag.RowsAffected(), fmt.Errorf("bump cache version: %w", err)
	}
	log.Info("derived columns refreshed", zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
