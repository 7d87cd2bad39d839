// Package worker runs the background maintenance loop: aggregate refreshes,
// partition maintenance, and derived-column backfills. Jobs arrive on a
// Redis list when Redis is configured; a ticker schedules the periodic
// refresh either way. One job runs at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/aggregates"
	"github.com/prodplan/prodplan/internal/metrics"
	"github.com/prodplan/prodplan/internal/storage/postgres"
)

// Job names accepted on the queue.
const (
	JobAggregatesRefresh    = "aggregates_refresh"
	JobPartitionMaintenance = "partition_maintenance"
	JobDerivedBackfill      = "derived_backfill"
)

const (
	queueKey = "worker:jobs"
	// jobTimeout bounds a single job; a wedged statement must not stall the
	// loop forever.
	jobTimeout = 300 * time.Second
	// partitionHorizonMonths is how far ahead monthly partitions are kept
	// created.
	partitionHorizonMonths = 6
)

// RefreshDerivedFunc matches ingest.RefreshDerived; injected to avoid the
// worker importing the whole pipeline.
type RefreshDerivedFunc func(ctx context.Context, store *postgres.Store, log *zap.Logger) (int64, error)

// Worker is the maintenance runner.
type Worker struct {
	Store          *postgres.Store
	Engine         *aggregates.Engine
	RefreshDerived RefreshDerivedFunc
	Log            *zap.Logger

	// Redis is optional; without it only the ticker schedules work.
	Redis *redis.Client
	// Interval is the periodic refresh cadence; zero means 15 minutes.
	Interval time.Duration
	// MetricsAddr serves /metrics when set, e.g. ":9187".
	MetricsAddr string
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.MetricsAddr != "" {
		go w.serveMetrics(ctx)
	}

	interval := w.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jobs := make(chan string)
	if w.Redis != nil {
		go w.consumeQueue(ctx, jobs)
	}

	w.Log.Info("worker started", zap.Duration("interval", interval),
		zap.Bool("queue", w.Redis != nil))

	// One refresh right away so a fresh deploy does not wait a full tick.
	w.dispatch(ctx, JobAggregatesRefresh)

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.dispatch(ctx, JobAggregatesRefresh)
			w.dispatch(ctx, JobPartitionMaintenance)
		case job := <-jobs:
			w.dispatch(ctx, job)
		}
	}
}

func (w *Worker) consumeQueue(ctx context.Context, jobs chan<- string) {
	for {
		res, err := w.Redis.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.Log.Warn("queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) == 2 {
			select {
			case jobs <- res[1]:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Enqueue pushes a job for a running worker to pick up.
func Enqueue(ctx context.Context, client *redis.Client, job string) error {
	if err := client.LPush(ctx, queueKey, job).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job, err)
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, job string) {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := w.runJob(jctx, job)
	elapsed := time.Since(start)
	metrics.WorkerJobDuration.WithLabelValues(job).Observe(elapsed.Seconds())

	if err != nil {
		metrics.WorkerJobs.WithLabelValues(job, "failed").Inc()
		w.Log.Error("job failed", zap.String("job", job),
			zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	metrics.WorkerJobs.WithLabelValues(job, "ok").Inc()
	w.Log.Info("job done", zap.String("job", job), zap.Duration("elapsed", elapsed))
}

func (w *Worker) runJob(ctx context.Context, job string) error {
	switch job {
	case JobAggregatesRefresh:
		return w.Engine.RefreshAll(ctx, 0)
	case JobPartitionMaintenance:
		return w.maintainPartitions(ctx)
	case JobDerivedBackfill:
		if w.RefreshDerived == nil {
			return fmt.Errorf("derived backfill not wired")
		}
		_, err := w.RefreshDerived(ctx, w.Store, w.Log)
		return err
	default:
		return fmt.Errorf("unknown job %q", job)
	}
}

// maintainPartitions keeps monthly order_phases partitions created through
// the horizon, so inserts never start landing in the default partition.
func (w *Worker) maintainPartitions(ctx context.Context) error {
	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= partitionHorizonMonths; i++ {
		from := first.AddDate(0, i, 0)
		to := from.AddDate(0, 1, 0)
		name := "order_phases_" + from.Format("200601")
		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS core.%s PARTITION OF core.order_phases
			 FOR VALUES FROM ('%s') TO ('%s')`,
			name, from.Format("2006-01-02"), to.Format("2006-01-02"))
		if _, err := w.Store.Pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	w.Log.Debug("partitions maintained", zap.Int("horizon_months", partitionHorizonMonths))
	return nil
}

func (w *Worker) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: w.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	w.Log.Info("metrics listening", zap.String("addr", w.MetricsAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.Log.Error("metrics server", zap.Error(err))
	}
}
