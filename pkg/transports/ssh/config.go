package ssh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/devlink/pkg/telemetry"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication, falling back to
	// keyboard-interactive challenges.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication, falling back to
	// keyboard-interactive challenges.
	AuthMethodKey AuthMethod = "key"

	// AuthMethodInteractive uses keyboard-interactive challenges only.
	AuthMethodInteractive AuthMethod = "interactive"
)

// AddressFamily is the IP family of the device address.
type AddressFamily string

const (
	// FamilyIPv4 selects tcp4.
	FamilyIPv4 AddressFamily = "ipv4"

	// FamilyIPv6 selects tcp6.
	FamilyIPv6 AddressFamily = "ipv6"
)

// Config holds SSH connection configuration for one device.
type Config struct {
	// Host is the device address (hostname, IPv4 or IPv6 literal)
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// Family is the address family reported by discovery. Empty lets the
	// dialer pick.
	Family AddressFamily

	// Interface identifies the local interface a link-local address is
	// reachable through.
	Interface Interface

	// ZoneStyle controls how the interface is rendered as an IPv6 zone.
	ZoneStyle ZoneStyle

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication. May be empty.
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// Responder answers keyboard-interactive prompts. When nil, secret
	// prompts are answered with Password.
	Responder Responder

	// KnownHostsPath is the path to an OpenSSH known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking enables known_hosts verification
	StrictHostKeyChecking bool

	// HostKeyCallback overrides known_hosts handling when set.
	HostKeyCallback ssh.HostKeyCallback

	// ConnectionTimeout bounds the whole handshake, authentication included.
	ConnectionTimeout time.Duration

	// KeepAliveInterval is the interval between keep-alive probes.
	// Set to 0 to disable keep-alive.
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the number of consecutive missed probes
	// tolerated before the connection is considered dead.
	MaxKeepAliveRetries int

	// Env is applied to every exec and shell channel. Per-call values win.
	Env map[string]string

	// Logger overrides the global logger. Optional.
	Logger *zerolog.Logger

	// Metrics receives keep-alive and command channel observations. Optional.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	family := AddressFamily("")
	if ip := net.ParseIP(stripZone(host)); ip != nil {
		if ip.To4() != nil {
			family = FamilyIPv4
		} else {
			family = FamilyIPv6
		}
	}

	return &Config{
		Host:                  host,
		Port:                  22,
		Family:                family,
		ZoneStyle:             DefaultZoneStyle,
		User:                  user,
		AuthMethod:            AuthMethodPassword,
		StrictHostKeyChecking: false,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     1 * time.Second,
		MaxKeepAliveRetries:   5,
		Env:                   map[string]string{},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.Family {
	case "", FamilyIPv4, FamilyIPv6:
	default:
		return fmt.Errorf("unsupported address family: %s", c.Family)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		// An empty password is legitimate on factory-fresh devices.
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodInteractive:
		if c.Responder == nil {
			return fmt.Errorf("a prompt responder is required for interactive authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keep-alive interval must not be negative")
	}

	if c.KeepAliveInterval > 0 && c.MaxKeepAliveRetries <= 0 {
		return fmt.Errorf("max keep-alive retries must be positive when keep-alive is enabled")
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	// Keyboard-interactive is offered with every method; many devices only
	// accept their password through a "Password:" challenge.
	authMethods = append(authMethods, ssh.KeyboardInteractive(c.answerChallenge))

	hostKeyCallback := c.HostKeyCallback
	if hostKeyCallback == nil {
		if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
			var err error
			hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load known_hosts: %w", err)
			}
		} else {
			hostKeyCallback = ssh.InsecureIgnoreHostKey()
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the dial target (host:port) with the IPv6 zone applied
// for link-local addresses.
func (c *Config) Address() (string, error) {
	host, err := resolveHost(c.Host, c.Interface, c.ZoneStyle, interfaceLookup{})
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port)), nil
}

// Network returns the dial network for the configured address family.
func (c *Config) Network() string {
	switch c.Family {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// mergedEnv returns the configured environment overlaid with extra.
func (c *Config) mergedEnv(extra map[string]string) map[string]string {
	env := make(map[string]string, len(c.Env)+len(extra))
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}
