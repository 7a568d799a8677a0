package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openfroyo/devlink/pkg/device"
	"github.com/openfroyo/devlink/pkg/transports/ssh"
)

// execResult is the JSON form of a collected command.
type execResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
}

// exitStatus converts a remote exit status into the command result.
func exitStatus(err error) error {
	code := ssh.ExitStatus(err)
	switch {
	case code == 0:
		return nil
	case code > 0:
		return &ExitError{Code: code}
	default:
		return err
	}
}

func newExecCommand(flags *globalFlags) *cobra.Command {
	var env []string

	cmd := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Run a command on the device",
		Long: `Run a command on the device and stream its output line by line.

Standard output and standard error are forwarded as they arrive. devlink
exits with the remote exit status. With --json the output is collected and
printed once the command finishes.`,
		Example: `  devlink exec -- uname -a
  devlink exec --env LANG=C -- journalctl -n 50`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			opts := ssh.ExecOptions{Env: map[string]string{}}
			for _, kv := range env {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --env %q: expected KEY=VALUE", kv)
				}
				opts.Env[k] = v
			}

			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				if flags.jsonOutput {
					res, err := d.Run(ctx, command, opts)
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), execResult{
						Command:  command,
						Stdout:   res.Stdout,
						Stderr:   res.Stderr,
						ExitCode: res.ExitCode,
						Duration: res.Duration.Round(time.Millisecond).String(),
					}); err != nil {
						return err
					}
					if res.ExitCode > 0 {
						return &ExitError{Code: res.ExitCode}
					}
					return nil
				}

				streams, err := d.StreamOutput(ctx, command, opts)
				if err != nil {
					return err
				}
				defer streams.Close()

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					for line := range streams.Stdout.Lines() {
						fmt.Fprintln(cmd.OutOrStdout(), line)
					}
				}()
				go func() {
					defer wg.Done()
					for line := range streams.Stderr.Lines() {
						fmt.Fprintln(cmd.ErrOrStderr(), line)
					}
				}()
				wg.Wait()

				return exitStatus(streams.Wait())
			})
		},
	}

	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	return cmd
}

func newShellCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive shell on the device",
		Long: `Open an interactive login shell with a pseudo-terminal. When stdin is a
terminal it is switched to raw mode for the duration of the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, flags, func(ctx context.Context, d *device.Device) error {
				return runShell(ctx, cmd, d)
			})
		},
	}
}

func runShell(ctx context.Context, cmd *cobra.Command, d *device.Device) error {
	pty := ssh.DefaultPtyOptions()
	if t := os.Getenv("TERM"); t != "" {
		pty.Term = t
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			pty.Cols, pty.Rows = cols, rows
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	ch, err := d.Shell(ctx, pty, nil)
	if err != nil {
		return err
	}
	defer ch.Close()

	go func() {
		_, _ = io.Copy(ch.Stdin(), os.Stdin)
		_ = ch.Stdin().Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(cmd.OutOrStdout(), ch.Stdout())
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(cmd.ErrOrStderr(), ch.Stderr())
	}()
	wg.Wait()

	return exitStatus(ch.Wait())
}
