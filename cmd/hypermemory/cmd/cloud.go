package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/cloudstore"
	"github.com/hypermemory/hypermemory/internal/embedclient"
)

func newCloudCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Push curated knowledge to, or pull it from, the remote curated store",
	}
	cmd.AddCommand(newCloudPushCmd())
	cmd.AddCommand(newCloudPullCmd())
	cmd.AddCommand(newCloudSearchCmd())
	return cmd
}

func newCloudPushCmd() *cobra.Command {
	var prepareOnly bool
	var namespace string
	var threshold int
	var allowlist bool

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Prepare (and, unless --prepare-only, commit) staged curated items to the remote store",
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

			pipelineCfg := cloudstore.Config{
				DatabaseURL: cfg.RemoteDBURL,
				Namespace:   orDefault(namespace, cfg.RemoteNamespace),
				Threshold:   orDefaultInt(threshold, cfg.RemoteThreshold),
				ModelID:     cfg.RemoteModelID,
				Allowlist:   allowlist || cfg.AllowlistEnabled,
			}

			embedder, err := embedclient.New(ctx, embedclient.Config{BaseURL: cfg.RemoteEmbedURL, ModelID: cfg.RemoteModelID})
			if err != nil {
				return err
			}

			payloadPath, err := cloudstore.PreparePayload(ctx, ws, pipelineCfg, embedder)
			if err != nil {
				return err
			}
			cmd.Printf("prepared: %s\n", payloadPath)
			if prepareOnly {
				return nil
			}

			store, err := cloudstore.Open(ctx, cfg.RemoteDBURL)
			if err != nil {
				return err
			}
			defer store.Close()

			pushed, err := cloudstore.CommitPayload(ctx, ws, pipelineCfg, embedder, store)
			if err != nil {
				return err
			}
			cmd.Printf("pushed: %d items\n", pushed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prepareOnly, "prepare-only", false, "write the payload and redaction audit without committing to Postgres")
	cmd.Flags().StringVar(&namespace, "namespace", "", "remote namespace (default: configured remote_namespace)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "minimum [M<n>] score to push (default: configured remote_threshold)")
	cmd.Flags().BoolVar(&allowlist, "allowlist", false, "force allowlist gating on even if disabled in config")

	return cmd
}

func newCloudPullCmd() *cobra.Command {
	var namespace string
	var limit int

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull recent items from the remote curated store into the local review file",
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

			store, err := cloudstore.Open(ctx, cfg.RemoteDBURL)
			if err != nil {
				return err
			}
			defer store.Close()

			pipelineCfg := cloudstore.Config{Namespace: orDefault(namespace, cfg.RemoteNamespace)}
			path, err := cloudstore.PullCurated(ctx, ws, pipelineCfg, store, limit)
			if err != nil {
				return err
			}
			cmd.Printf("pulled into: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "remote namespace (default: configured remote_namespace)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of recent items to pull")

	return cmd
}

func newCloudSearchCmd() *cobra.Command {
	var namespace string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the remote curated store directly, bypassing local fusion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			embedder, err := embedclient.New(ctx, embedclient.Config{BaseURL: cfg.RemoteEmbedURL, ModelID: cfg.RemoteModelID})
			if err != nil {
				return err
			}
			store, err := cloudstore.Open(ctx, cfg.RemoteDBURL)
			if err != nil {
				return err
			}
			defer store.Close()

			pipelineCfg := cloudstore.Config{Namespace: orDefault(namespace, cfg.RemoteNamespace)}
			lines, err := cloudstore.SearchCurated(ctx, pipelineCfg, embedder, store, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, line := range lines {
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "remote namespace (default: configured remote_namespace)")
	cmd.Flags().IntVar(&limit, "limit", 8, "maximum number of results")

	return cmd
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
