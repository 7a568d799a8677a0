package commands

import (
	"context"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devlink/pkg/device"
	"github.com/openfroyo/devlink/pkg/remotefs"
)

func newGetCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get REMOTE [LOCAL]",
		Short: "Download a remote file",
		Long: `Download a remote file. The local file is created or truncated.

Without a local path the file is written to the current directory under
its remote name. Progress is reported on stderr.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}

			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				var progress remotefs.ProgressFunc
				if !flags.jsonOutput {
					progress = progressPrinter(cmd.ErrOrStderr(), path.Base(remote))
				}
				if err := d.Download(ctx, remote, local, progress); err != nil {
					return err
				}
				log.Debug().Str("remote", remote).Str("local", local).Msg("download complete")
				return nil
			})
		},
	}
}

func newPutCommand(flags *globalFlags) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload a local file",
		Long: `Upload a local file. The remote file is created or truncated and
given the requested permissions. Remote parent directories are not created;
use mkdir -p first. Progress is reported on stderr.`,
		Example: `  devlink put ./agent.tar.gz /data/agent.tar.gz --mode 0600`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := parseMode(mode)
			if err != nil {
				return err
			}

			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				var progress remotefs.ProgressFunc
				if !flags.jsonOutput {
					progress = progressPrinter(cmd.ErrOrStderr(), filepath.Base(args[0]))
				}
				return d.Upload(ctx, args[0], args[1], perm, progress)
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "0644", "permissions of the remote file (octal)")
	return cmd
}
