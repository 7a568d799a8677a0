package commands

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devlink/pkg/device"
)

func newTunnelCommand(flags *globalFlags) *cobra.Command {
	var (
		listen     string
		remotePort int
	)

	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Forward a local port to a service on the device",
		Long: `Listen on a local address and forward every accepted connection to
localhost:PORT on the device over the SSH session. The remote port defaults
to the profile's companion port. Runs until interrupted.`,
		Example: `  # Reach the companion agent on 127.0.0.1:7070
  devlink tunnel

  # Forward a local port to the device's web UI
  devlink tunnel --listen 127.0.0.1:8080 --remote-port 80`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			port := remotePort
			if port == 0 {
				port = s.profile.CompanionPort
			}
			if listen == "" {
				listen = fmt.Sprintf("127.0.0.1:%d", port)
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			tunnels := s.device.Tunnels()
			if tunnels == nil {
				_ = ln.Close()
				return fmt.Errorf("device disconnected")
			}

			// Stop serving when the device drops.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			unsubscribe := s.device.Subscribe(func(device.Event) { cancel() },
				device.FilterByType(device.EventDisconnected))
			defer unsubscribe()

			fmt.Fprintf(cmd.ErrOrStderr(), "forwarding %s -> device localhost:%d\n", ln.Addr(), port)
			if err := tunnels.Serve(ctx, ln, port); err != nil {
				return err
			}
			if !s.device.IsConnected() {
				return fmt.Errorf("device disconnected")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "local listen address (default 127.0.0.1:PORT)")
	cmd.Flags().IntVarP(&remotePort, "remote-port", "r", 0, "port on the device loopback (default: companion port)")
	return cmd
}
