package cmd

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hypermemory/hypermemory/internal/journal"
	"github.com/hypermemory/hypermemory/internal/model"
)

func newAppendCmd() *cobra.Command {
	var channel, sessionKey, role, message string
	var tailLimit int

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event to the durable journal",
		Long: `Append writes one event to the journal and best-effort updates its
tail window and per-day markdown projections. With --message omitted,
the message is read from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}

			if message == "" {
				data, err := io.ReadAll(bufio.NewReader(os.Stdin))
				if err != nil {
					return err
				}
				message = string(data)
			}

			ev := model.Event{
				TsMs:       time.Now().UnixMilli(),
				Channel:    channel,
				SessionKey: sessionKey,
				Role:       role,
				Message:    message,
			}

			j := journal.New(ws, tailLimit)
			if err := j.Append(ev); err != nil {
				return err
			}
			cmd.Println("appended")
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "cli", "event channel (e.g. cli, editor, agent)")
	cmd.Flags().StringVar(&sessionKey, "session", "default", "session key grouping related events")
	cmd.Flags().StringVar(&role, "role", "user", "who produced the event (user, agent, system)")
	cmd.Flags().StringVar(&message, "message", "", "event text (reads stdin if omitted)")
	cmd.Flags().IntVar(&tailLimit, "tail-limit", journal.DefaultTailLimit, "tail window projection size")

	return cmd
}
