package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodplan/prodplan/internal/aggregates"
)

var aggregatesCmd = &cobra.Command{
	Use:   "aggregates",
	Short: "Refresh the incremental aggregates once and exit",
	Long: `Advances every daily aggregate from its watermark and rebuilds the
WIP snapshot. The worker does the same on a schedule; this command exists
for one-off refreshes and backfills.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := &aggregates.Engine{Store: store, Log: log}
		if err := engine.RefreshAll(ctx, 0); err != nil {
			return err
		}
		fmt.Println("aggregates refreshed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(aggregatesCmd)
}
