// Package device is the session facade for one device. It drives the SSH
// transport through connect and disconnect, publishes lifecycle events and
// exposes the filesystem, command and tunnel operations once connected.
package device

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devlink/pkg/remoteerr"
	"github.com/openfroyo/devlink/pkg/remotefs"
	"github.com/openfroyo/devlink/pkg/telemetry"
	"github.com/openfroyo/devlink/pkg/transports/ssh"
	"github.com/openfroyo/devlink/pkg/tunnel"
)

// ErrConnectInProgress is returned by Connect while another attempt runs.
var ErrConnectInProgress = errors.New("connect already in progress")

// State is the connection state of a Device.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session outcomes passed to the SessionRecorder.
const (
	OutcomeFailed       = "failed"
	OutcomeDisconnected = "disconnected"
	OutcomeDropped      = "dropped"
)

// Descriptor identifies a device.
type Descriptor struct {
	// Address is the host name or IP literal
	Address string

	Family    ssh.AddressFamily
	Interface ssh.Interface
	Port      int
	Username  string

	// HomeDirectory overrides the derived home directory
	HomeDirectory string
}

// Transport is the part of the SSH transport the facade drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SetHooks(hooks ssh.Hooks)
	OpenSFTP(ctx context.Context) (*sftp.Client, error)
	Exec(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.Channel, error)
	Run(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.ExecResult, error)
	Shell(ctx context.Context, pty *ssh.PtyOptions, env map[string]string) (*ssh.Channel, error)
	StreamOutput(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.OutputStreams, error)
	ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error)
}

var _ Transport = (*ssh.SSHClient)(nil)

// SessionRecorder persists the session history. pkg/stores implements it.
type SessionRecorder interface {
	StartSession(ctx context.Context, id, address, user string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time, outcome, errText string) error
}

// Options configures a Device. All fields are optional.
type Options struct {
	Logger   *zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Sessions SessionRecorder
}

// Device owns one transport and the session state built on it.
type Device struct {
	desc      Descriptor
	transport Transport
	base      zerolog.Logger
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	sessions  SessionRecorder
	events    eventBus

	mu sync.Mutex
	// gen identifies the current connect attempt
	gen       uint64
	state     State
	closing   bool
	sessionID string
	fs        *remotefs.FS
	home      *remotefs.FileInfo
	tunnels   *tunnel.Factory
}

// New creates a facade over transport. The device starts idle.
func New(desc Descriptor, transport Transport, opts Options) *Device {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	base := logger.With().
		Str("device", desc.Address).
		Str("user", desc.Username).
		Logger()

	return &Device{
		desc:      desc,
		transport: transport,
		base:      base,
		logger:    base.With().Str("component", "device").Logger(),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		sessions:  opts.Sessions,
	}
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() Descriptor {
	return d.desc
}

// Subscribe registers a lifecycle subscriber. A nil filter delivers every
// event. The returned function removes the subscription.
func (d *Device) Subscribe(subscriber Subscriber, filter EventFilter) (unsubscribe func()) {
	return d.events.subscribe(subscriber, filter)
}

// State returns the current connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsConnected reports whether the device is connected.
func (d *Device) IsConnected() bool {
	return d.State() == StateConnected
}

// IsConnecting reports whether a connect attempt is in flight.
func (d *Device) IsConnecting() bool {
	return d.State() == StateConnecting
}

// SessionID returns the id of the current or last connect attempt.
func (d *Device) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *Device) emit(t EventType, sessionID string) {
	d.events.publish(Event{Type: t, SessionID: sessionID, Time: time.Now()})
}

// Connect establishes the session: transport handshake, SFTP sub-session
// and a snapshot of the home directory attributes. On any failure the
// transport is torn down, the device returns to idle, exactly one
// disconnected event fires and the originating error is returned.
// Connect on a connected device is a no-op.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateConnected:
		d.mu.Unlock()
		return nil
	case StateConnecting:
		d.mu.Unlock()
		return ErrConnectInProgress
	}
	d.gen++
	gen := d.gen
	d.state = StateConnecting
	d.closing = false
	d.sessionID = uuid.NewString()
	sessionID := d.sessionID
	d.mu.Unlock()

	ctx, span := d.tracer.StartConnectSpan(ctx, sessionID, d.desc.Address, d.desc.Username)
	start := time.Now()

	d.logger.Info().Str("session_id", sessionID).Msg("connecting")
	if d.sessions != nil {
		if err := d.sessions.StartSession(ctx, sessionID, d.desc.Address, d.desc.Username, start); err != nil {
			d.logger.Warn().Err(err).Msg("failed to record session start")
		}
	}

	d.transport.SetHooks(ssh.Hooks{
		Disconnected: func() { d.transportClosed(gen) },
	})
	d.emit(EventAboutToConnect, sessionID)

	err := d.establish(ctx, gen, sessionID)
	d.metrics.RecordConnect(time.Since(start), err)
	telemetry.EndSpan(span, err)

	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("connect failed")
		_ = d.transport.Disconnect()
		d.toIdle(gen)
		d.endSession(sessionID, OutcomeFailed, err)
		return err
	}

	ev := d.logger.Info().Str("session_id", sessionID).Dur("duration", time.Since(start))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		ev = ev.Str("trace_id", traceID)
	}
	ev.Msg("connected")
	return nil
}

func (d *Device) establish(ctx context.Context, gen uint64, sessionID string) error {
	if err := d.transport.Connect(ctx); err != nil {
		return err
	}

	client, err := d.transport.OpenSFTP(ctx)
	if err != nil {
		return err
	}

	fs := remotefs.New(client, remotefs.Options{
		Logger:  &d.base,
		Metrics: d.metrics,
		Tracer:  d.tracer,
	})

	home, err := fs.Stat(ctx, d.HomeDirectoryPath())
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.gen != gen || d.state != StateConnecting {
		// the transport closed while the session was being set up
		d.mu.Unlock()
		return remoteerr.NotConnected("connect")
	}
	d.state = StateConnected
	d.fs = fs
	d.home = home
	d.tunnels = tunnel.NewFactory(d.transport, tunnel.Options{
		Logger:  &d.base,
		Metrics: d.metrics,
		Tracer:  d.tracer,
	})
	d.mu.Unlock()

	d.metrics.SetConnected(true)
	d.emit(EventConnected, sessionID)
	return nil
}

// Disconnect ends the SFTP sub-session and the transport and returns the
// device to idle. It is safe from any state; on an idle device it does
// nothing and fires no event.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	gen := d.gen
	d.closing = true
	d.mu.Unlock()

	err := d.transport.Disconnect()
	d.toIdle(gen)
	return err
}

// transportClosed handles the transport's disconnected signal.
func (d *Device) transportClosed(gen uint64) {
	d.toIdle(gen)
}

// toIdle moves attempt gen to idle and fires disconnected. Later calls for
// the same attempt, and calls for superseded attempts, do nothing.
func (d *Device) toIdle(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.state == StateIdle {
		d.mu.Unlock()
		return
	}
	prev := d.state
	outcome := OutcomeDropped
	if d.closing {
		outcome = OutcomeDisconnected
	}
	d.state = StateIdle
	d.fs = nil
	d.home = nil
	d.tunnels = nil
	sessionID := d.sessionID
	d.mu.Unlock()

	d.metrics.SetConnected(false)
	if prev == StateConnected {
		d.logger.Info().Str("session_id", sessionID).Str("outcome", outcome).Msg("disconnected")
		d.endSession(sessionID, outcome, nil)
	}
	d.emit(EventDisconnected, sessionID)
}

func (d *Device) endSession(sessionID, outcome string, cause error) {
	if d.sessions == nil {
		return
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	if err := d.sessions.EndSession(context.Background(), sessionID, time.Now(), outcome, errText); err != nil {
		d.logger.Warn().Err(err).Msg("failed to record session end")
	}
}

// HomeDirectoryPath returns the configured home directory, or /root for
// root and /home/<user> for everyone else. It needs no connection.
func (d *Device) HomeDirectoryPath() string {
	if d.desc.HomeDirectory != "" {
		return d.desc.HomeDirectory
	}
	if d.desc.Username == "root" {
		return "/root"
	}
	return path.Join("/home", d.desc.Username)
}

// HomeDirectoryAttributes returns the home directory snapshot taken at
// connect time.
func (d *Device) HomeDirectoryAttributes() (*remotefs.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConnected || d.home == nil {
		return nil, remoteerr.NotConnected("home-directory")
	}
	info := *d.home
	return &info, nil
}

// FS returns the filesystem adapter, or nil unless connected. Every
// method of a nil adapter fails with a not-connected error.
func (d *Device) FS() *remotefs.FS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fs
}

func (d *Device) requireConnected(op string) error {
	if d.State() != StateConnected {
		return remoteerr.NotConnected(op)
	}
	return nil
}

// Filesystem operations

func (d *Device) Stat(ctx context.Context, p string) (*remotefs.FileInfo, error) {
	return d.FS().Stat(ctx, p)
}

func (d *Device) Lstat(ctx context.Context, p string) (*remotefs.FileInfo, error) {
	return d.FS().Lstat(ctx, p)
}

func (d *Device) List(ctx context.Context, p string) ([]*remotefs.FileInfo, error) {
	return d.FS().List(ctx, p)
}

func (d *Device) Mkdir(ctx context.Context, p string) error {
	return d.FS().Mkdir(ctx, p)
}

func (d *Device) MkdirAll(ctx context.Context, p string) error {
	return d.FS().MkdirAll(ctx, p)
}

func (d *Device) Rmdir(ctx context.Context, p string) error {
	return d.FS().Rmdir(ctx, p)
}

func (d *Device) Unlink(ctx context.Context, p string) error {
	return d.FS().Unlink(ctx, p)
}

func (d *Device) RemoveAll(ctx context.Context, p string) error {
	return d.FS().RemoveAll(ctx, p)
}

func (d *Device) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	return d.FS().Chmod(ctx, p, mode)
}

func (d *Device) Upload(ctx context.Context, local, remote string, mode os.FileMode, onProgress remotefs.ProgressFunc) error {
	return d.FS().Upload(ctx, local, remote, mode, onProgress)
}

func (d *Device) Download(ctx context.Context, remote, local string, onProgress remotefs.ProgressFunc) error {
	return d.FS().Download(ctx, remote, local, onProgress)
}

// Command operations

// Exec starts a command channel.
func (d *Device) Exec(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.Channel, error) {
	if err := d.requireConnected("exec"); err != nil {
		return nil, err
	}
	_, span := d.tracer.StartSpan(ctx, "device.exec", telemetry.AttrCommand.String(cmd))
	ch, err := d.transport.Exec(ctx, cmd, opts)
	telemetry.EndSpan(span, err)
	return ch, err
}

// Run executes a command and collects its output.
func (d *Device) Run(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.ExecResult, error) {
	if err := d.requireConnected("exec"); err != nil {
		return nil, err
	}
	ctx, span := d.tracer.StartSpan(ctx, "device.run", telemetry.AttrCommand.String(cmd))
	res, err := d.transport.Run(ctx, cmd, opts)
	telemetry.EndSpan(span, err)
	return res, err
}

// StreamOutput starts a command and returns its stdout and stderr as
// independent line streams.
func (d *Device) StreamOutput(ctx context.Context, cmd string, opts ssh.ExecOptions) (*ssh.OutputStreams, error) {
	if err := d.requireConnected("exec"); err != nil {
		return nil, err
	}
	_, span := d.tracer.StartSpan(ctx, "device.stream", telemetry.AttrCommand.String(cmd))
	streams, err := d.transport.StreamOutput(ctx, cmd, opts)
	telemetry.EndSpan(span, err)
	return streams, err
}

// Shell opens an interactive shell. A nil pty disables the pseudo-terminal.
func (d *Device) Shell(ctx context.Context, pty *ssh.PtyOptions, env map[string]string) (*ssh.Channel, error) {
	if err := d.requireConnected("shell"); err != nil {
		return nil, err
	}
	return d.transport.Shell(ctx, pty, env)
}

// Tunnel operations

// Tunnels returns the tunnel factory, or nil unless connected.
func (d *Device) Tunnels() *tunnel.Factory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tunnels
}

// OpenTunnel opens a raw channel to localhost:remotePort on the device.
func (d *Device) OpenTunnel(ctx context.Context, remotePort int) (io.ReadWriteCloser, error) {
	return d.Tunnels().OpenTunnel(ctx, remotePort)
}
