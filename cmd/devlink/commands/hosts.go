package commands

import (
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Trusted device host keys",
		Long: `Manage the host keys trusted on first use.

The first key a device presents is recorded. Later connections presenting a
different key are refused until the old key is removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listHosts(cmd, flags)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trusted host keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listHosts(cmd, flags)
		},
	})
	cmd.AddCommand(newHostsRemoveCommand(flags))

	return cmd
}

func listHosts(cmd *cobra.Command, flags *globalFlags) error {
	store, err := requireStore(cmd.Context(), flags)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.ListHostKeys(cmd.Context())
	if err != nil {
		return err
	}

	if flags.jsonOutput {
		return printJSON(cmd.OutOrStdout(), keys)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tTYPE\tFINGERPRINT\tLAST SEEN")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Host, k.KeyType, k.Fingerprint, k.LastSeen.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func newHostsRemoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm HOST",
		Short:   "Forget the trusted keys of a host",
		Example: `  devlink hosts rm fe80::1%eth0 --port 2222`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := requireStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()

			port := flags.port
			if port == 0 {
				port = 22
			}
			host := knownhosts.Normalize(net.JoinHostPort(args[0], strconv.Itoa(port)))
			removed, err := store.RemoveHostKeys(cmd.Context(), host)
			if err != nil {
				return err
			}
			if removed == 0 {
				return fmt.Errorf("no trusted keys for %s", host)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d key(s) for %s\n", removed, host)
			return nil
		},
	}
}
