// Package cmd provides the hypermemory CLI commands.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/cloudstore"
	"github.com/hypermemory/hypermemory/internal/config"
	"github.com/hypermemory/hypermemory/internal/embedclient"
	"github.com/hypermemory/hypermemory/internal/engine"
	"github.com/hypermemory/hypermemory/internal/logging"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

var loggingCleanup func()

// NewRootCmd builds the hypermemory root command and wires every
// subcommand onto it.
func NewRootCmd() *cobra.Command {
	var workspaceFlag string
	var configFlag string

	cmd := &cobra.Command{
		Use:   "hypermemory",
		Short: "Local-first developer memory: append, index, and search across layered retrieval",
		Long: `hypermemory keeps a durable journal of developer activity, derives
full-text, entity, and dense-vector indexes from it and from curated
MEMORY.md knowledge, and fuses all of that with an optional remote
curated store into one ranked search.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "workspace root (default: $HM_WORKSPACE or cwd)")
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to a hypermemory.yaml config overlay")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ws, err := openWorkspace(cfg)
		if err != nil {
			return err
		}
		cleanup, err := setupLogging(ws)
		if err != nil {
			return err
		}
		loggingCleanup = cleanup
		return nil
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
		return nil
	}

	cmd.AddCommand(newAppendCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newCloudCmd())
	cmd.AddCommand(newEvalCmd())

	return cmd
}

// rootFlags returns the --workspace and --config values from any
// subcommand, since they're defined on the persistent flag set.
func rootFlags(cmd *cobra.Command) (workspaceFlag, configFlag string) {
	workspaceFlag, _ = cmd.Flags().GetString("workspace")
	configFlag, _ = cmd.Flags().GetString("config")
	return
}

// resolveConfig loads config.Config from the yaml overlay plus
// environment, then lets an explicit --workspace flag win over both.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	_, configFlag := rootFlags(cmd)
	cfg, err := config.Load(configFlag)
	if err != nil {
		return cfg, err
	}
	if workspaceFlag, _ := rootFlags(cmd); workspaceFlag != "" {
		cfg.Workspace = workspaceFlag
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for
// subcommands that make blocking network calls (embedding, Postgres).
// The journal lock and FTS/entity store commits never see this context:
// per spec.md §5 those suspension points are bounded by their own
// timeouts, not by ambient cancellation.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openWorkspace(cfg config.Config) (*workspace.Workspace, error) {
	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}
	return ws, nil
}

// setupLogging wires structured file logging rooted under ws, returning
// a cleanup function the caller must defer.
func setupLogging(ws *workspace.Workspace) (func(), error) {
	return logging.SetupDefault(ws.MemoryDir())
}

// buildEngineDeps constructs engine.Dependencies from cfg, leaving the
// local/remote layers disabled (nil) when their URLs aren't configured.
// The returned cleanup closes whatever network clients were opened.
func buildEngineDeps(ctx context.Context, cfg config.Config, ws *workspace.Workspace) (engine.Dependencies, func(), error) {
	deps := engine.Dependencies{
		Workspace:             ws,
		RemoteNamespace:       cfg.RemoteNamespace,
		RemoteFallbackEnabled: cfg.RemoteFallbackEnabled,
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.EmbedURL != "" {
		client, err := embedclient.New(ctx, embedclient.Config{
			BaseURL: cfg.EmbedURL,
			ModelID: cfg.LocalModelID,
		})
		if err != nil {
			return deps, cleanup, err
		}
		deps.LocalEmbedder = client
	}

	if cfg.RemoteDBURL != "" && cfg.RemoteEmbedURL != "" {
		remoteClient, err := embedclient.New(ctx, embedclient.Config{
			BaseURL: cfg.RemoteEmbedURL,
			ModelID: cfg.RemoteModelID,
		})
		if err != nil {
			cleanup()
			return deps, cleanup, err
		}
		deps.RemoteEmbedder = remoteClient

		store, err := cloudstore.Open(ctx, cfg.RemoteDBURL)
		if err != nil {
			cleanup()
			return deps, cleanup, err
		}
		deps.RemoteStore = store
		cleanups = append(cleanups, store.Close)
	}

	return deps, cleanup, nil
}
