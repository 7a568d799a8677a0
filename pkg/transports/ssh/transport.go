// Package ssh provides the SSH transport session for a single device: the
// handshake (keyboard-interactive challenges included), the SFTP
// sub-session, command and shell channels, and forwarded channels.
package ssh

import (
	"context"
	"io"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Transport defines the secure-channel session used by a device.
type Transport interface {
	// Connect performs the SSH handshake. A fresh connection is built for
	// every call; calling Connect while connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect ends the SFTP sub-session and the connection.
	// Idempotent and safe from any state.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// SetHooks installs the lifecycle signal handlers.
	SetHooks(hooks Hooks)

	// OpenSFTP opens the SFTP sub-session over the established connection.
	OpenSFTP(ctx context.Context) (*sftp.Client, error)

	// Exec starts a command channel.
	Exec(ctx context.Context, cmd string, opts ExecOptions) (*Channel, error)

	// Run executes a command and collects its output.
	Run(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// Shell starts an interactive shell channel. A nil pty disables the
	// pseudo-terminal request.
	Shell(ctx context.Context, pty *PtyOptions, env map[string]string) (*Channel, error)

	// StreamOutput starts a command and exposes stdout and stderr as line streams.
	StreamOutput(ctx context.Context, cmd string, opts ExecOptions) (*OutputStreams, error)

	// ForwardOut opens a direct-tcpip channel to dstHost:dstPort as seen
	// from the remote side.
	ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Hooks are the lifecycle signals a transport emits. Nil hooks are skipped.
// Disconnected fires exactly once per connect attempt, including failed
// attempts and closures initiated by the remote side.
type Hooks struct {
	AboutToConnect func()
	Connected      func()
	Disconnected   func()
}

func (h Hooks) aboutToConnect() {
	if h.AboutToConnect != nil {
		h.AboutToConnect()
	}
}

func (h Hooks) connected() {
	if h.Connected != nil {
		h.Connected()
	}
}

func (h Hooks) disconnected() {
	if h.Disconnected != nil {
		h.Disconnected()
	}
}

// ConnectionInfo contains details about an SSH connection.
type ConnectionInfo struct {
	// Host is the configured device address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// Address is the resolved dial target, zone included
	Address string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// ExecOptions configures a command channel.
type ExecOptions struct {
	// Env is merged over the transport's configured environment.
	Env map[string]string

	// Pty requests a pseudo-terminal when non-nil.
	Pty *PtyOptions
}

// PtyOptions describes a pseudo-terminal request.
type PtyOptions struct {
	Term  string
	Rows  int
	Cols  int
	Modes ssh.TerminalModes
}

// DefaultPtyOptions returns an 80x24 xterm terminal with echo enabled.
func DefaultPtyOptions() *PtyOptions {
	return &PtyOptions{
		Term: "xterm-256color",
		Rows: 24,
		Cols: 80,
		Modes: ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		},
	}
}
