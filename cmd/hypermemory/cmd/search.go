package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/engine"
	"github.com/hypermemory/hypermemory/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var mode string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search across FTS, entity, dense-vector, and remote-curated layers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			deps, cleanup, err := buildEngineDeps(ctx, cfg, ws)
			defer cleanup()
			if err != nil {
				return err
			}

			e := engine.New(deps)
			hits, err := e.Search(ctx, strings.Join(args, " "), engine.Mode(mode), limit)
			if err != nil {
				return err
			}

			ui.NewPrinter(cmd.OutOrStdout()).PrintHits(hits)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(engine.ModeAuto), "auto, targeted, or broad")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of fused results")

	return cmd
}
