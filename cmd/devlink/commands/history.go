package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit   int
		offset  int
		address string
		prune   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the session history",
		Long: `Show past connect attempts, newest first.

Every attempt is recorded with its start and end time and how it ended:
failed (never connected), disconnected (closed locally) or dropped (lost
the connection).`,
		Example: `  # Last 20 sessions
  devlink history

  # Sessions of one device
  devlink history --device 192.168.1.20

  # Forget sessions older than 30 days
  devlink history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := requireStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				removed, err := store.PruneSessions(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d session(s)\n", removed)
				return nil
			}

			var filter *string
			if address != "" {
				filter = &address
			}
			sessions, err := store.ListSessions(ctx, filter, limit, offset)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), sessions)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tDEVICE\tSTARTED\tDURATION\tOUTCOME\tERROR")
			for _, s := range sessions {
				duration, outcome, errText := "-", "open", ""
				if s.EndedAt != nil {
					duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
				}
				if s.Outcome != nil {
					outcome = *s.Outcome
				}
				if s.Error != nil {
					errText = *s.Error
				}
				fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.User, s.Address,
					s.StartedAt.Local().Format(time.DateTime),
					duration, outcome, errText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of sessions to skip")
	cmd.Flags().StringVarP(&address, "device", "d", "", "only sessions of this device address")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete sessions older than this age instead of listing")
	return cmd
}
