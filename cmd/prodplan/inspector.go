package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodplan/prodplan/internal/inspect"
)

var inspectorCmd = &cobra.Command{
	Use:   "inspector",
	Short: "Profile the source file and verify the declared relationships",
	Long: `Reads the configured source file without touching the database and
writes DATA_DICTIONARY.md, PROFILE_REPORT.json and RELATIONSHIPS_REPORT.json
into the docs directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ins := &inspect.Inspector{
			SourcePath: cfg.SourcePath,
			DocsDir:    cfg.DocsDir,
			Log:        log,
		}
		profiles, rels, err := ins.Run()
		if err != nil {
			return fmt.Errorf("INSPECTOR_READ: %w", err)
		}

		var rows int64
		for _, s := range profiles.Sheets {
			rows += s.Rows
		}
		fmt.Printf("profiled %d sheets, %d rows\n", len(profiles.Sheets), rows)
		for _, r := range rels.Relationships {
			fmt.Printf("  %-35s %6.2f%% matched (%d orphans)\n",
				r.Name, r.MatchRate*100, r.ChildNonNull-r.Matched)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectorCmd)
}
