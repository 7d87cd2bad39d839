// Package aggregates maintains the incremental daily rollups and the WIP
// snapshot. Daily aggregates advance behind per-aggregate watermarks: each
// refresh folds only the events newer than the watermark into the stored
// rows, then moves the watermark to the newest event it saw. Folding and
// advancing share a transaction, so a crash never double-counts.
package aggregates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/storage/postgres"
)

// Watermark names; one per daily aggregate plus the snapshot.
const (
	WatermarkPhaseStats = "phase_stats_daily"
	WatermarkOrderStats = "order_stats_daily"
	WatermarkQuality    = "quality_daily"
	WatermarkWIP        = "wip_current"
)

// dailyAggregate binds a watermark to its delta queries. maxSQL finds the
// newest source event above $1; foldSQL folds events in ($1, $2] into the
// aggregate table.
type dailyAggregate struct {
	name    string
	maxSQL  string
	foldSQL string
}

// The fold statements keep each stored row a proper monoid value: counts,
// sums and sums of squares add, min/max widen with LEAST/GREATEST,
// affected_orders takes the larger estimate because distinct counts from
// disjoint windows cannot be added. Sum-of-squares supports variance
// downstream, which is exactly why replaying a window without moving the
// watermark is forbidden: the squares would double.
var dailyAggregates = []dailyAggregate{
	{
		name: WatermarkPhaseStats,
		maxSQL: `SELECT max(event_time) FROM core.order_phases
			WHERE event_time > $1 AND phase_id IS NOT NULL`,
		foldSQL: `
			INSERT INTO agg_phase_stats_daily
				(day, product_id, phase_id, events_count,
				 sum_duration, sum_duration_sq, min_duration, max_duration)
			SELECT op.event_time::date, coalesce(o.product_id, 0), op.phase_id, count(*),
			       coalesce(sum(op.duration_seconds), 0),
			       coalesce(sum(op.duration_seconds * op.duration_seconds), 0),
			       min(op.duration_seconds), max(op.duration_seconds)
			FROM core.order_phases op
			LEFT JOIN core.orders o ON o.order_id = op.order_id
			WHERE op.event_time > $1 AND op.event_time <= $2 AND op.phase_id IS NOT NULL
			GROUP BY op.event_time::date, coalesce(o.product_id, 0), op.phase_id
			ON CONFLICT (day, product_id, phase_id) DO UPDATE SET
				events_count    = agg_phase_stats_daily.events_count + EXCLUDED.events_count,
				sum_duration    = agg_phase_stats_daily.sum_duration + EXCLUDED.sum_duration,
				sum_duration_sq = agg_phase_stats_daily.sum_duration_sq + EXCLUDED.sum_duration_sq,
				min_duration    = LEAST(agg_phase_stats_daily.min_duration, EXCLUDED.min_duration),
				max_duration    = GREATEST(agg_phase_stats_daily.max_duration, EXCLUDED.max_duration),
				updated_at      = now()`,
	},
	{
		name: WatermarkOrderStats,
		maxSQL: `SELECT max(finished_at) FROM core.orders
			WHERE finished_at > $1`,
		foldSQL: `
			INSERT INTO agg_order_stats_daily
				(day, product_id, orders_count,
				 sum_leadtime, sum_leadtime_sq, on_time, late)
			SELECT finished_at::date, coalesce(product_id, 0), count(*),
			       coalesce(sum(EXTRACT(EPOCH FROM (finished_at - created_at))), 0),
			       coalesce(sum(EXTRACT(EPOCH FROM (finished_at - created_at))
			                  * EXTRACT(EPOCH FROM (finished_at - created_at))), 0),
			       count(*) FILTER (WHERE transport_at IS NULL OR finished_at <= transport_at),
			       count(*) FILTER (WHERE transport_at IS NOT NULL AND finished_at > transport_at)
			FROM core.orders
			WHERE finished_at > $1 AND finished_at <= $2
			GROUP BY finished_at::date, coalesce(product_id, 0)
			ON CONFLICT (day, product_id) DO UPDATE SET
				orders_count    = agg_order_stats_daily.orders_count + EXCLUDED.orders_count,
				sum_leadtime    = agg_order_stats_daily.sum_leadtime + EXCLUDED.sum_leadtime,
				sum_leadtime_sq = agg_order_stats_daily.sum_leadtime_sq + EXCLUDED.sum_leadtime_sq,
				on_time         = agg_order_stats_daily.on_time + EXCLUDED.on_time,
				late            = agg_order_stats_daily.late + EXCLUDED.late,
				updated_at      = now()`,
	},
	{
		name: WatermarkQuality,
		maxSQL: `SELECT max(event_time) FROM core.errors
			WHERE event_time > $1`,
		foldSQL: `
			INSERT INTO agg_quality_daily
				(day, product_id, eval_phase_id, blamed_phase_key,
				 errors_count, sum_severity, affected_orders)
			SELECT e.event_time::date, coalesce(o.product_id, 0),
			       coalesce(e.eval_phase_id, 0),
			       coalesce(e.blamed_phase_event_id, ''), count(*),
			       coalesce(sum(e.severity), 0),
			       count(DISTINCT e.order_id)
			FROM core.errors e
			LEFT JOIN core.orders o ON o.order_id = e.order_id
			WHERE e.event_time > $1 AND e.event_time <= $2
			GROUP BY e.event_time::date, coalesce(o.product_id, 0),
			         coalesce(e.eval_phase_id, 0), coalesce(e.blamed_phase_event_id, '')
			ON CONFLICT (day, product_id, eval_phase_id, blamed_phase_key) DO UPDATE SET
				errors_count    = agg_quality_daily.errors_count + EXCLUDED.errors_count,
				sum_severity    = agg_quality_daily.sum_severity + EXCLUDED.sum_severity,
				affected_orders = GREATEST(agg_quality_daily.affected_orders, EXCLUDED.affected_orders),
				updated_at      = now()`,
	},
}

// Engine runs the aggregate refreshes.
type Engine struct {
	Store *postgres.Store
	Log   *zap.Logger
}

// epoch is the low bound used when an aggregate has no watermark yet.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// RefreshAll advances every daily aggregate from its watermark and rebuilds
// the WIP snapshot. This is the worker's periodic job.
func (e *Engine) RefreshAll(ctx context.Context, runID int64) error {
	for _, agg := range dailyAggregates {
		low, err := e.watermark(ctx, agg.name)
		if err != nil {
			return err
		}
		if err := e.refreshDaily(ctx, agg, low, runID); err != nil {
			return err
		}
	}
	return e.SnapshotWIP(ctx, runID)
}

// RefreshSince bounds the first refresh after an ingestion: aggregates with
// no watermark start at since instead of all of history, keeping the
// post-run warmup cheap. The worker's unbounded refresh backfills the rest.
func (e *Engine) RefreshSince(ctx context.Context, since time.Time, runID int64) error {
	for _, agg := range dailyAggregates {
		low, err := e.watermark(ctx, agg.name)
		if err != nil {
			return err
		}
		if low.Equal(epoch) {
			low = since
		}
		if err := e.refreshDaily(ctx, agg, low, runID); err != nil {
			return err
		}
	}
	return e.SnapshotWIP(ctx, runID)
}

func (e *Engine) refreshDaily(ctx context.Context, agg dailyAggregate, low time.Time, runID int64) error {
	tx, err := e.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var high *time.Time
	if err := tx.QueryRow(ctx, agg.maxSQL, low).Scan(&high); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: find high watermark: %w", agg.name, err)
	}
	if high == nil {
		e.Log.Debug("aggregate up to date", zap.String("aggregate", agg.name))
		return nil
	}

	tag, err := tx.Exec(ctx, agg.foldSQL, low, *high)
	if err != nil {
		return fmt.Errorf("%s: fold delta: %w", agg.name, err)
	}
	if err := e.advance(ctx, tx, agg.name, *high, runID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", agg.name, err)
	}
	e.Log.Info("aggregate advanced",
		zap.String("aggregate", agg.name),
		zap.Int64("rows", tag.RowsAffected()),
		zap.Time("from", low), zap.Time("to", *high))
	return nil
}

// SnapshotWIP fully recomputes the work-in-progress snapshot. WIP is not a
// fold: events leave the open set when they finish, so increments cannot
// express it.
func (e *Engine) SnapshotWIP(ctx context.Context, runID int64) error {
	tx, err := e.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM agg_wip_current"); err != nil {
		return fmt.Errorf("clear wip snapshot: %w", err)
	}
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO agg_wip_current
			(phase_id, product_id, open_events,
			 sum_age, sum_age_sq, min_age, max_age, oldest_event_time, computed_at)
		SELECT op.phase_id, coalesce(o.product_id, 0), count(*),
		       coalesce(sum(EXTRACT(EPOCH FROM ($1 - op.started_at))), 0),
		       coalesce(sum(EXTRACT(EPOCH FROM ($1 - op.started_at))
		                  * EXTRACT(EPOCH FROM ($1 - op.started_at))), 0),
		       min(EXTRACT(EPOCH FROM ($1 - op.started_at))),
		       max(EXTRACT(EPOCH FROM ($1 - op.started_at))),
		       min(op.event_time), $1
		FROM core.order_phases op
		LEFT JOIN core.orders o ON o.order_id = op.order_id
		WHERE op.is_open AND op.phase_id IS NOT NULL
		GROUP BY op.phase_id, coalesce(o.product_id, 0)`, now)
	if err != nil {
		return fmt.Errorf("rebuild wip snapshot: %w", err)
	}
	if err := e.advance(ctx, tx, WatermarkWIP, now, runID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("wip snapshot: commit: %w", err)
	}
	e.Log.Info("wip snapshot rebuilt", zap.Int64("rows", tag.RowsAffected()))
	return nil
}

func (e *Engine) watermark(ctx context.Context, name string) (time.Time, error) {
	var ts *time.Time
	err := e.Store.Pool.QueryRow(ctx,
		"SELECT last_ts FROM aggregate_watermarks WHERE name = $1", name).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && ts == nil) {
		return epoch, nil
	}
	if err != nil {
		return epoch, fmt.Errorf("read watermark %s: %w", name, err)
	}
	return *ts, nil
}

func (e *Engine) advance(ctx context.Context, tx pgx.Tx, name string, ts time.Time, runID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO aggregate_watermarks (name, last_ts, last_run_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE SET
			last_ts = GREATEST(aggregate_watermarks.last_ts, EXCLUDED.last_ts),
			last_run_id = EXCLUDED.last_run_id,
			updated_at = now()`, name, ts, runID)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", name, err)
	}
	return nil
}
