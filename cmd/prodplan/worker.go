package main

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/aggregates"
	"github.com/prodplan/prodplan/internal/ingest"
	"github.com/prodplan/prodplan/internal/worker"
)

var (
	workerInterval    time.Duration
	workerMetricsAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background maintenance worker",
	Long: `Runs aggregate refreshes on a schedule, keeps future partitions
created, and serves Prometheus metrics. With REDIS_URL set it also consumes
ad-hoc jobs from the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		w := &worker.Worker{
			Store:          store,
			Engine:         &aggregates.Engine{Store: store, Log: log},
			RefreshDerived: ingest.RefreshDerived,
			Log:            log,
			MetricsAddr:    workerMetricsAddr,
		}
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Warn("invalid REDIS_URL, worker runs without a queue", zap.Error(err))
			} else {
				w.Redis = redis.NewClient(opts)
				defer w.Redis.Close()
			}
		}
		w.Interval = workerInterval

		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().DurationVarP(&workerInterval, "interval", "i", 0, "refresh interval (default 15m)")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9187", "address for /metrics, empty to disable")
	rootCmd.AddCommand(workerCmd)
}
