package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/engine"
	"github.com/hypermemory/hypermemory/internal/evalrun"
)

func newEvalCmd() *cobra.Command {
	var scenarios string
	var fast bool
	var minRecall int

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score the fusion engine against a recall scenario file",
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

			if scenarios == "" {
				scenarios = filepath.Join(ws.MemoryDir(), "eval-queries.jsonl")
			}
			cases, err := evalrun.LoadCases(scenarios)
			if err != nil {
				return err
			}

			deps, cleanup, err := buildEngineDeps(ctx, cfg, ws)
			defer cleanup()
			if err != nil {
				return err
			}
			e := engine.New(deps)

			res, err := evalrun.Run(ctx, e, ws, cases, fast)
			if err != nil {
				return err
			}
			cmd.Printf("total=%d passed=%d failed=%d recall=%d%% (file=%d retrieve=%d)\n",
				res.Total, res.Passed, res.Failed, res.RecallPct, res.PassByFile, res.PassByRetrieve)

			threshold := minRecall
			if threshold == 0 {
				threshold = cfg.EvalMinRecallPct
			}
			if threshold > 0 && res.RecallPct < threshold {
				return errExitCode{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenarios, "scenarios", "", "path to the eval-queries.jsonl file (default: <workspace>/memory/eval-queries.jsonl)")
	cmd.Flags().BoolVar(&fast, "fast", false, "score by file-content match only, skipping engine queries")
	cmd.Flags().IntVar(&minRecall, "min-recall", 0, "minimum recall percentage required (default: configured eval_min_recall_pct)")

	return cmd
}
