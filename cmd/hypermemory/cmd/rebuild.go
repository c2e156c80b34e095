package cmd

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/journal"
)

func newRebuildCmd() *cobra.Command {
	var tailLimit int

	cmd := &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Recompute the tail window and per-day markdown projections from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}

			j := journal.New(ws, tailLimit)
			counts, err := j.RebuildProjections()
			if err != nil {
				return err
			}

			days := make([]string, 0, len(counts))
			for day := range counts {
				days = append(days, day)
			}
			sort.Strings(days)
			for _, day := range days {
				cmd.Printf("%s: %d events\n", day, counts[day])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLimit, "tail-limit", journal.DefaultTailLimit, "tail window projection size")

	return cmd
}
