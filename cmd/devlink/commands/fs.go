package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devlink/pkg/device"
)

func newStatCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show attributes of a remote path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				fi, err := d.Stat(ctx, args[0])
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), fi)
				}
				return printFileInfos(cmd.OutOrStdout(), false, fi)
			})
		},
	}
}

func newLsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a remote directory",
		Long: `List the entries of a remote directory, sorted by name.

Without a path the home directory is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				dir := d.HomeDirectoryPath()
				if len(args) == 1 {
					dir = args[0]
				}
				infos, err := d.List(ctx, dir)
				if err != nil {
					return err
				}
				return printFileInfos(cmd.OutOrStdout(), flags.jsonOutput, infos...)
			})
		},
	}
}

func newMkdirCommand(flags *globalFlags) *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir PATH",
		Short: "Create a remote directory",
		Example: `  # Create a single directory
  devlink mkdir /data/logs

  # Create every missing ancestor
  devlink mkdir -p /data/app/releases/42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				if parents {
					return d.MkdirAll(ctx, args[0])
				}
				return d.Mkdir(ctx, args[0])
			})
		},
	}

	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	return cmd
}

func newRmCommand(flags *globalFlags) *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm PATH",
		Short: "Remove a remote file",
		Long: `Remove a remote file or symlink.

With -r, directories are removed depth-first along with their contents.
Symlinks are removed, never followed. Removal stops at the first failure
and is not rolled back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				if recursive {
					return d.RemoveAll(ctx, args[0])
				}
				return d.Unlink(ctx, args[0])
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove directories and their contents")
	return cmd
}

func newRmdirCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir PATH",
		Short: "Remove an empty remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				return d.Rmdir(ctx, args[0])
			})
		},
	}
}

func newChmodCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "chmod MODE PATH",
		Short:   "Change permissions of a remote path",
		Example: `  devlink chmod 0755 /data/app/run.sh`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				return d.Chmod(ctx, args[1], mode)
			})
		},
	}
}

func parseMode(s string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil || mode > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q: expected octal permissions such as 0644", s)
	}
	return os.FileMode(mode), nil
}
