package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every subcommand. Device
// flags override the matching profile values when set.
type globalFlags struct {
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string

	address   string
	user      string
	port      int
	password  string
	keyPath   string
	iface     string
	home      string
	database  string
	noHostKey bool
}

// ExitError carries the exit status of a remote command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "devlink",
		Short: "devlink - SSH session manager for a single device",
		Long: `devlink manages an SSH session to one device and exposes it as a
remote filesystem, a command runner and a tunnel to the companion agent.

Features:
  - IPv4 and IPv6 link-local addresses with interface zones
  - Password, key and keyboard-interactive authentication
  - SFTP file operations with recursive mkdir and remove
  - Line-streamed command output with remote exit status
  - Local port forwarding to services on the device loopback
  - Trust-on-first-use host keys and session history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "device profile (YAML)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	pf.StringVarP(&flags.address, "address", "a", "", "device address (hostname, IPv4 or IPv6)")
	pf.StringVarP(&flags.user, "user", "u", "", "SSH username")
	pf.IntVarP(&flags.port, "port", "P", 0, "SSH port")
	pf.StringVar(&flags.password, "password", "", "SSH password")
	pf.StringVarP(&flags.keyPath, "identity", "i", "", "private key file")
	pf.StringVar(&flags.iface, "interface", "", "local interface for link-local addresses")
	pf.StringVar(&flags.home, "home", "", "override the device home directory")
	pf.StringVar(&flags.database, "db", "", "host key and session history database")
	pf.BoolVar(&flags.noHostKey, "insecure", false, "skip host key verification")

	// Filesystem
	rootCmd.AddCommand(newStatCommand(flags))
	rootCmd.AddCommand(newLsCommand(flags))
	rootCmd.AddCommand(newMkdirCommand(flags))
	rootCmd.AddCommand(newRmCommand(flags))
	rootCmd.AddCommand(newRmdirCommand(flags))
	rootCmd.AddCommand(newChmodCommand(flags))
	rootCmd.AddCommand(newGetCommand(flags))
	rootCmd.AddCommand(newPutCommand(flags))

	// Commands and tunnels
	rootCmd.AddCommand(newExecCommand(flags))
	rootCmd.AddCommand(newShellCommand(flags))
	rootCmd.AddCommand(newTunnelCommand(flags))

	// Local state
	rootCmd.AddCommand(newHostsCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))

	return rootCmd
}
