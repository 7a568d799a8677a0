package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// SSHClient implements the Transport interface for one device.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	hooks       Hooks
	attempt     *attempt
	connectedAt time.Time
	lastUsedAt  time.Time

	// keepAliveHold is non-zero while SFTP negotiation is in flight.
	keepAliveHold atomic.Int32
}

// attempt is the state of one Connect call. Each attempt owns a fresh
// connection and fires the disconnected hook at most once.
type attempt struct {
	once    sync.Once
	cancel  context.CancelFunc
	address string
	client  *ssh.Client
	sftp    []*sftp.Client
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "transport").Str("host", config.Host).Logger(),
	}, nil
}

// SetHooks installs the lifecycle signal handlers. Hooks take effect from
// the next Connect.
func (c *SSHClient) SetHooks(hooks Hooks) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.hooks = hooks
}

// Connect establishes an SSH connection to the device.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.attempt != nil && c.attempt.client != nil {
		c.connMu.Unlock()
		return nil
	}

	dialCtx, cancel := context.WithCancel(ctx)
	at := &attempt{cancel: cancel}
	c.attempt = at
	hooks := c.hooks
	c.connMu.Unlock()

	hooks.aboutToConnect()

	client, err := c.establish(dialCtx, at)
	if err != nil {
		c.logger.Warn().Err(err).Str("address", at.address).Msg("SSH connection failed")
		c.teardown(at, hooks, "connect failed")
		return err
	}

	c.connMu.Lock()
	if c.attempt != at {
		// Disconnect ran while the handshake was in flight.
		c.connMu.Unlock()
		_ = client.Close()
		return remoteerr.New(remoteerr.KindConnectionFailed, "connect", at.address,
			errors.New("disconnected during handshake"))
	}
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	at.cancel = func() {
		cancel()
		keepAliveCancel()
	}
	at.client = client
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.connMu.Unlock()

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(keepAliveCtx, at, hooks)
	}
	go c.watch(at, hooks)

	c.logger.Info().Str("address", at.address).Msg("SSH connection established")
	hooks.connected()
	return nil
}

// establish resolves the address, dials and performs the handshake.
func (c *SSHClient) establish(ctx context.Context, at *attempt) (*ssh.Client, error) {
	address, err := c.config.Address()
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindConnectionFailed, "connect", c.config.Host, err)
	}
	at.address = address

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindConnectionFailed, "connect", address, err)
	}

	c.logger.Debug().Str("address", address).Str("network", c.config.Network()).Msg("establishing SSH connection")

	client, err := c.dial(ctx, address, clientConfig)
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindConnectionFailed, "connect", address, err)
	}
	return client, nil
}

// dial connects and runs the handshake under the connection timeout. The
// deadline covers authentication, interactive prompts included.
func (c *SSHClient) dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	timeout := c.config.ConnectionTimeout
	dialer := net.Dialer{Timeout: timeout}

	netConn, err := dialer.DialContext(ctx, c.config.Network(), address)
	if err != nil {
		return nil, err
	}
	_ = netConn.SetDeadline(time.Now().Add(timeout))

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	abandon := func() {
		_ = netConn.Close()
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-timer.C:
		// A responder blocked on user input does not observe the
		// connection deadline.
		abandon()
		return nil, fmt.Errorf("handshake timed out after %s", timeout)
	case r := <-done:
		if r.err != nil {
			_ = netConn.Close()
			return nil, r.err
		}
		_ = netConn.SetDeadline(time.Time{})
		return r.client, nil
	}
}

// Disconnect closes the SFTP sub-sessions and the SSH connection.
func (c *SSHClient) Disconnect() error {
	c.connMu.RLock()
	at := c.attempt
	hooks := c.hooks
	c.connMu.RUnlock()

	if at == nil {
		return nil
	}

	c.teardown(at, hooks, "disconnect requested")
	return nil
}

// teardown releases everything owned by an attempt and fires the
// disconnected hook. Only the first call per attempt has any effect.
func (c *SSHClient) teardown(at *attempt, hooks Hooks, reason string) {
	at.once.Do(func() {
		c.connMu.Lock()
		if c.attempt == at {
			c.attempt = nil
		}
		client := at.client
		sftpClients := at.sftp
		at.sftp = nil
		c.connMu.Unlock()

		if at.cancel != nil {
			at.cancel()
		}
		for _, sc := range sftpClients {
			_ = sc.Close()
		}
		if client != nil {
			if err := client.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("closing SSH connection")
			}
		}

		c.logger.Info().Str("address", at.address).Str("reason", reason).Msg("SSH connection closed")
		hooks.disconnected()
	})
}

// watch tears the attempt down when the connection ends on its own.
func (c *SSHClient) watch(at *attempt, hooks Hooks) {
	err := at.client.Wait()
	reason := "connection closed"
	if err != nil {
		reason = fmt.Sprintf("connection closed: %v", err)
	}
	c.teardown(at, hooks, reason)
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.attempt != nil && c.attempt.client != nil
}

// OpenSFTP opens an SFTP sub-session. Keep-alive probes are suspended until
// negotiation finishes because slow devices can take many seconds to start
// the subsystem.
func (c *SSHClient) OpenSFTP(ctx context.Context) (*sftp.Client, error) {
	client, at, err := c.getClient("sftp-open")
	if err != nil {
		return nil, err
	}

	c.keepAliveHold.Add(1)
	defer c.keepAliveHold.Add(-1)

	c.logger.Debug().Msg("opening SFTP sub-session")

	sftpClient, err := sftp.NewClient(client,
		sftp.MaxConcurrentRequestsPerFile(1),
		sftp.UseConcurrentReads(false),
		sftp.UseConcurrentWrites(false),
	)
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindChannel, "sftp-open", "", err)
	}

	c.connMu.Lock()
	if c.attempt != at {
		c.connMu.Unlock()
		_ = sftpClient.Close()
		return nil, remoteerr.NotConnected("sftp-open")
	}
	at.sftp = append(at.sftp, sftpClient)
	c.connMu.Unlock()

	c.logger.Debug().Msg("SFTP sub-session ready")
	return sftpClient, nil
}

// keepAlive probes the connection and tears it down after too many
// consecutive misses.
func (c *SSHClient) keepAlive(ctx context.Context, at *attempt, hooks Hooks) {
	interval := c.config.KeepAliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	maxMissed := c.config.MaxKeepAliveRetries

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.keepAliveHold.Load() > 0 {
			missed = 0
			continue
		}

		err := probe(ctx, at.client, interval)
		if ctx.Err() != nil {
			return
		}
		if c.keepAliveHold.Load() > 0 {
			missed = 0
			continue
		}

		if err != nil {
			missed++
			c.config.Metrics.RecordKeepAliveMiss()
			c.logger.Warn().Err(err).Int("missed", missed).Msg("keep-alive failed")
			if missed >= maxMissed {
				c.logger.Error().Int("missed", missed).Msg("keep-alive failed too many times, dropping connection")
				c.teardown(at, hooks, "keep-alive timeout")
				return
			}
			continue
		}

		missed = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// errProbeTimeout is reported when a keep-alive reply does not arrive in time.
var errProbeTimeout = errors.New("keep-alive reply timed out")

// probe sends one keep-alive request and waits at most timeout for the reply.
func probe(ctx context.Context, client *ssh.Client, timeout time.Duration) error {
	reply := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return errProbeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	info := ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
	if c.attempt != nil {
		info.Address = c.attempt.address
	}
	return info
}

// getClient returns the live SSH client and its attempt, or a
// not-connected error.
func (c *SSHClient) getClient(op string) (*ssh.Client, *attempt, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.attempt == nil || c.attempt.client == nil {
		return nil, nil, remoteerr.NotConnected(op)
	}

	c.lastUsedAt = time.Now()
	return c.attempt.client, c.attempt, nil
}
