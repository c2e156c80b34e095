package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/ui"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the workspace's memory directory and derived indexes are in place",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}

			printer := ui.NewPrinter(cmd.OutOrStdout())

			memoryDirOK := dirExists(ws.MemoryDir())
			printer.PrintStatus("memory directory", memoryDirOK, ws.MemoryDir())

			printer.PrintStatus("journal", fileExists(ws.JournalFile()), ws.JournalFile())
			printer.PrintStatus("fts index", fileExists(ws.FTSDBFile()), ws.FTSDBFile())
			printer.PrintStatus("entity index", fileExists(ws.EntityDBFile()), ws.EntityDBFile())
			printer.PrintStatus("vector index", fileExists(ws.VectorIndexFile()), ws.VectorIndexFile())

			if !memoryDirOK {
				return errExitCode{code: 1}
			}
			return nil
		},
	}

	return cmd
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// errExitCode is returned by subcommands that need a specific non-zero
// process exit code without printing an extra error line: main.go prints
// every returned error, so its Error() is intentionally empty.
type errExitCode struct {
	code int
}

func (e errExitCode) Error() string { return "" }

// ExitCode reports the process exit code this error should produce.
func (e errExitCode) ExitCode() int { return e.code }
