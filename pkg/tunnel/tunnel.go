// Package tunnel opens forwarded channels to services listening on the
// device's loopback interface, such as the companion agent.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devlink/pkg/remoteerr"
	"github.com/openfroyo/devlink/pkg/telemetry"
)

// DefaultCompanionPort is the loopback port of the companion agent on the device.
const DefaultCompanionPort = 7070

// Forwarder opens direct-tcpip channels. The SSH transport implements it.
type Forwarder interface {
	ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error)
}

// Options configures a Factory. All fields are optional.
type Options struct {
	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Factory opens tunnels over one transport.
type Factory struct {
	fwd     Forwarder
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewFactory creates a tunnel factory over fwd.
func NewFactory(fwd Forwarder, opts Options) *Factory {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Factory{
		fwd:     fwd,
		logger:  logger.With().Str("component", "tunnel").Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// OpenTunnel opens a channel to localhost:remotePort as seen from the
// device. The transport picks the originator address. The returned channel
// is raw: the caller owns it and must close it.
func (f *Factory) OpenTunnel(ctx context.Context, remotePort int) (io.ReadWriteCloser, error) {
	if f == nil || f.fwd == nil {
		return nil, remoteerr.NotConnected("tunnel")
	}
	if remotePort <= 0 || remotePort > 65535 {
		return nil, remoteerr.New(remoteerr.KindInvalidArgument, "tunnel", "", fmt.Errorf("invalid remote port %d", remotePort))
	}

	_, span := f.tracer.StartSpan(ctx, "tunnel.open", telemetry.AttrRemotePort.Int(remotePort))

	ch, err := f.fwd.ForwardOut(ctx, "127.0.0.1", 0, "localhost", remotePort)
	f.metrics.RecordTunnel(err)
	telemetry.EndSpan(span, err)
	if err != nil {
		f.logger.Warn().Err(err).Int("remote_port", remotePort).Msg("tunnel refused")
		return nil, err
	}

	f.logger.Debug().Int("remote_port", remotePort).Msg("tunnel opened")
	return ch, nil
}

// Serve accepts connections on ln and bridges each one to a fresh tunnel
// to remotePort until ctx is cancelled or ln fails. Serve closes ln.
func (f *Factory) Serve(ctx context.Context, ln net.Listener, remotePort int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	f.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("remote", net.JoinHostPort("localhost", strconv.Itoa(remotePort))).
		Msg("serving tunnel")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			f.bridge(ctx, conn, remotePort)
		}()
	}
}

// bridge copies between one local connection and a new tunnel.
func (f *Factory) bridge(ctx context.Context, local net.Conn, remotePort int) {
	defer local.Close()

	remote, err := f.OpenTunnel(ctx, remotePort)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
