// Command prodplan is the operations entry point for the production
// planning data core: ingestion, inspection, aggregates, migrations, and
// the release gate.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodplan/prodplan/internal/config"
	"github.com/prodplan/prodplan/internal/logging"
	"github.com/prodplan/prodplan/internal/storage/postgres"
)

var (
	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "prodplan",
	Short:         "Manufacturing production planning data core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		log = logging.New(cfg.Debug, cfg.LogFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// signalContext is the base context of every command; SIGINT/SIGTERM cancel
// it so in-flight statements abort cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openStore connects using the validated configuration.
func openStore(ctx context.Context) (*postgres.Store, error) {
	return postgres.Open(ctx, cfg.DatabaseURL, log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
