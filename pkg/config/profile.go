package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devlink/pkg/device"
	"github.com/openfroyo/devlink/pkg/stores"
	"github.com/openfroyo/devlink/pkg/telemetry"
	"github.com/openfroyo/devlink/pkg/transports/ssh"
	"github.com/openfroyo/devlink/pkg/tunnel"
)

// Profile describes one device and how to reach it.
type Profile struct {
	// Device identifies the target.
	Device DeviceConfig `yaml:"device"`

	// Auth holds the credentials.
	Auth AuthConfig `yaml:"auth"`

	// Connection tunes the handshake and keep-alive.
	Connection ConnectionConfig `yaml:"connection"`

	// Env is applied to every command and shell.
	Env map[string]string `yaml:"env"`

	// CompanionPort is the loopback port of the companion agent.
	CompanionPort int `yaml:"companion_port" validate:"min=1,max=65535"`

	// HostKeys selects how device host keys are verified.
	HostKeys HostKeysConfig `yaml:"host_keys"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DeviceConfig is the serialized form of a device.Descriptor.
type DeviceConfig struct {
	Address        string `yaml:"address" validate:"required"`
	Family         string `yaml:"family" validate:"omitempty,oneof=ipv4 ipv6"`
	InterfaceIndex int    `yaml:"interface_index" validate:"gte=0"`
	InterfaceName  string `yaml:"interface_name"`
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	Username       string `yaml:"username" validate:"required"`
	HomeDirectory  string `yaml:"home_directory" validate:"omitempty,startswith=/"`
}

// AuthConfig holds the credentials for a device.
type AuthConfig struct {
	Method               string `yaml:"method" validate:"required,oneof=password key interactive"`
	Password             string `yaml:"password"`
	PrivateKeyPath       string `yaml:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`
}

// ConnectionConfig tunes connection establishment and liveness checks.
type ConnectionConfig struct {
	TimeoutSeconds           int `yaml:"timeout_seconds" validate:"min=1"`
	KeepAliveIntervalSeconds int `yaml:"keepalive_interval_seconds" validate:"min=0"`
	KeepAliveMaxMisses       int `yaml:"keepalive_max_misses" validate:"min=1"`
}

// HostKeysConfig selects host key verification. Database enables trust on
// first use backed by SQLite. KnownHostsFile uses an OpenSSH known_hosts
// file instead. With neither set, host keys are not checked.
type HostKeysConfig struct {
	Database       string `yaml:"database"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// DefaultDatabasePath returns the default location of the devlink database.
func DefaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".devlink.db"
	}
	return filepath.Join(dir, "devlink", "devlink.db")
}

// Default returns a profile with defaults for everything but the device.
func Default() *Profile {
	return &Profile{
		Device: DeviceConfig{
			Port:     22,
			Username: "root",
		},
		Auth: AuthConfig{
			Method: string(ssh.AuthMethodPassword),
		},
		Connection: ConnectionConfig{
			TimeoutSeconds:           30,
			KeepAliveIntervalSeconds: 1,
			KeepAliveMaxMisses:       5,
		},
		Env:           map[string]string{},
		CompanionPort: tunnel.DefaultCompanionPort,
		HostKeys: HostKeysConfig{
			Database: DefaultDatabasePath(),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML profile from path on top of the defaults. The result
// is not validated so that callers can apply overrides first.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML profile on top of the defaults.
func Parse(data []byte) (*Profile, error) {
	p := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}

	if p.Env == nil {
		p.Env = map[string]string{}
	}
	return p, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span fields.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fieldErrors(fieldErrs)
		}
		return fmt.Errorf("invalid profile: %w", err)
	}

	switch ssh.AuthMethod(p.Auth.Method) {
	case ssh.AuthMethodKey:
		if p.Auth.PrivateKeyPath == "" {
			return fmt.Errorf("invalid profile: auth.private_key_path is required for key authentication")
		}
	}

	if p.HostKeys.Database != "" && p.HostKeys.KnownHostsFile != "" {
		return fmt.Errorf("invalid profile: host_keys.database and host_keys.known_hosts_file are mutually exclusive")
	}

	if p.Device.InterfaceIndex != 0 || p.Device.InterfaceName != "" {
		if p.Device.Family == string(ssh.FamilyIPv4) {
			return fmt.Errorf("invalid profile: an interface only applies to ipv6 addresses")
		}
	}

	if err := p.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid profile: telemetry: %w", err)
	}

	return nil
}

func fieldErrors(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		// Drop the root struct name.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "startswith":
			msgs = append(msgs, fmt.Sprintf("%s must start with %q", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid profile: %s", strings.Join(msgs, "; "))
}

// Descriptor returns the device descriptor of the profile.
func (p *Profile) Descriptor() device.Descriptor {
	return device.Descriptor{
		Address: p.Device.Address,
		Family:  ssh.AddressFamily(p.Device.Family),
		Interface: ssh.Interface{
			Index: p.Device.InterfaceIndex,
			Name:  p.Device.InterfaceName,
		},
		Port:          p.Device.Port,
		Username:      p.Device.Username,
		HomeDirectory: p.Device.HomeDirectory,
	}
}

// SSHConfig converts the profile into a transport configuration. The host
// key callback is left to the caller when a trust database is configured.
func (p *Profile) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(p.Device.Address, p.Device.Username)
	cfg.Port = p.Device.Port
	if p.Device.Family != "" {
		cfg.Family = ssh.AddressFamily(p.Device.Family)
	}
	cfg.Interface = ssh.Interface{
		Index: p.Device.InterfaceIndex,
		Name:  p.Device.InterfaceName,
	}

	cfg.AuthMethod = ssh.AuthMethod(p.Auth.Method)
	cfg.Password = p.Auth.Password
	cfg.PrivateKeyPath = p.Auth.PrivateKeyPath
	cfg.PrivateKeyPassphrase = p.Auth.PrivateKeyPassphrase

	cfg.ConnectionTimeout = time.Duration(p.Connection.TimeoutSeconds) * time.Second
	cfg.KeepAliveInterval = time.Duration(p.Connection.KeepAliveIntervalSeconds) * time.Second
	cfg.MaxKeepAliveRetries = p.Connection.KeepAliveMaxMisses

	if p.HostKeys.KnownHostsFile != "" {
		cfg.KnownHostsPath = p.HostKeys.KnownHostsFile
		cfg.StrictHostKeyChecking = true
	}

	for k, v := range p.Env {
		cfg.Env[k] = v
	}
	return cfg
}

// StoreConfig returns the trust database configuration, or false when the
// profile does not use one.
func (p *Profile) StoreConfig() (stores.Config, bool) {
	if p.HostKeys.Database == "" {
		return stores.Config{}, false
	}
	return stores.Config{Path: p.HostKeys.Database}, true
}
