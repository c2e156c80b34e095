package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/engine"
	"github.com/hypermemory/hypermemory/internal/store"
)

func newIndexCmd() *cobra.Command {
	var force bool
	var includePending bool
	var skipVector bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or incrementally update the FTS, entity, and dense-vector indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			fts, err := store.OpenFTSIndex(ws.FTSDBFile())
			if err != nil {
				return err
			}
			defer fts.Close()
			ftsResult, err := fts.BuildIndex(ws, force)
			if err != nil {
				return err
			}
			cmd.Printf("fts: full_rebuild=%v docs_indexed=%d\n", ftsResult.FullRebuild, ftsResult.DocsIndexed)

			entity, err := store.OpenEntityIndex(ws.EntityDBFile())
			if err != nil {
				return err
			}
			defer entity.Close()
			entityResult, err := entity.Rebuild(ws, includePending)
			if err != nil {
				return err
			}
			cmd.Printf("entity: rows=%d emitted=%d\n", entityResult.Rows, entityResult.Emitted)

			if skipVector {
				return nil
			}

			deps, cleanup, err := buildEngineDeps(ctx, cfg, ws)
			defer cleanup()
			if err != nil {
				return err
			}
			if deps.LocalEmbedder == nil {
				cmd.Println("vector: skipped (no embed URL configured)")
				return nil
			}

			e := engine.New(deps)
			vecResult, err := e.BuildVectorIndex(ctx, includePending)
			if err != nil {
				return err
			}
			cmd.Printf("vector: embedded=%d total=%d\n", vecResult.Embedded, vecResult.Total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "force a full FTS rebuild instead of an incremental one")
	cmd.Flags().BoolVar(&includePending, "include-pending", false, "also index staged (MEMORY.pending.md) content")
	cmd.Flags().BoolVar(&skipVector, "skip-vector", false, "skip the dense-vector build pass")

	return cmd
}
