package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/prodplan/prodplan/internal/gate"
)

var featureGatesCmd = &cobra.Command{
	Use:   "evaluate-feature-gates",
	Short: "Derive FEATURE_GATES.json from the relationship report",
	Long: `Reads RELATIONSHIPS_REPORT.json (produced by the inspector) and
decides which data-dependent features are enabled, disabled, or degraded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		relPath := filepath.Join(cfg.DocsDir, "RELATIONSHIPS_REPORT.json")
		outPath := filepath.Join(cfg.DocsDir, "FEATURE_GATES.json")

		gates, err := gate.EvaluateFile(relPath, outPath)
		if err != nil {
			return err
		}
		for _, g := range gates.Gates {
			state := "enabled"
			switch {
			case !g.Enabled:
				state = "DISABLED"
			case g.Degraded:
				state = "degraded"
			}
			fmt.Printf("  %-25s %-8s (match %.2f%%, threshold %.0f%%)\n",
				g.Name, state, g.MatchRate*100, g.Threshold*100)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(featureGatesCmd)
}
