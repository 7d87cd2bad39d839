package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodplan/prodplan/internal/gate"
	"github.com/prodplan/prodplan/internal/validate"
)

var releaseGateCmd = &cobra.Command{
	Use:   "release-gate",
	Short: "Run the pre-release checks; non-zero exit blocks the deploy",
	Long: `Verifies schema version and partition layout, the count contract of
the latest completed ingestion run, the presence of inspection artifacts,
and the hard feature gates. Failures are written to RELEASE_BLOCKED.md.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		g := &gate.Gate{
			Store: store,
			Validator: &validate.Validator{
				DB: store.DB, DocsDir: cfg.DocsDir, Log: log,
			},
			DatabaseURL: cfg.DatabaseURL,
			DocsDir:     cfg.DocsDir,
			Log:         log,
		}
		checks, err := g.Run(ctx)
		for _, c := range checks {
			mark := "PASS"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("  [%s] %-18s %s\n", mark, c.ID, c.Detail)
		}
		if err != nil {
			return err
		}
		fmt.Println("release gate: all checks passed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(releaseGateCmd)
}
