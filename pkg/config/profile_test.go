package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devlink/pkg/transports/ssh"
)

const fullProfile = `
device:
  address: fe80::1
  family: ipv6
  interface_name: eth0
  port: 2222
  username: admin
  home_directory: /data
auth:
  method: key
  private_key_path: /keys/id_ed25519
  private_key_passphrase: hunter2
connection:
  timeout_seconds: 10
  keepalive_interval_seconds: 2
  keepalive_max_misses: 3
env:
  LANG: C
companion_port: 9000
host_keys:
  database: ""
  known_hosts_file: /etc/devlink/known_hosts
telemetry:
  service_name: devlink
  service_version: "1.2.3"
  logging:
    level: debug
    format: json
`

func TestParseFullProfile(t *testing.T) {
	p, err := Parse([]byte(fullProfile))
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	desc := p.Descriptor()
	assert.Equal(t, "fe80::1", desc.Address)
	assert.Equal(t, ssh.FamilyIPv6, desc.Family)
	assert.Equal(t, ssh.Interface{Name: "eth0"}, desc.Interface)
	assert.Equal(t, 2222, desc.Port)
	assert.Equal(t, "admin", desc.Username)
	assert.Equal(t, "/data", desc.HomeDirectory)

	cfg := p.SSHConfig()
	assert.Equal(t, "fe80::1", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, ssh.AuthMethodKey, cfg.AuthMethod)
	assert.Equal(t, "/keys/id_ed25519", cfg.PrivateKeyPath)
	assert.Equal(t, "hunter2", cfg.PrivateKeyPassphrase)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 2*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 3, cfg.MaxKeepAliveRetries)
	assert.Equal(t, "/etc/devlink/known_hosts", cfg.KnownHostsPath)
	assert.True(t, cfg.StrictHostKeyChecking)
	assert.Equal(t, map[string]string{"LANG": "C"}, cfg.Env)

	assert.Equal(t, 9000, p.CompanionPort)
	assert.Equal(t, "debug", p.Telemetry.Logging.Level)
	assert.Equal(t, "json", p.Telemetry.Logging.Format)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/metrics", p.Telemetry.Metrics.Path)

	_, ok := p.StoreConfig()
	assert.False(t, ok)
}

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse([]byte("device:\n  address: 192.168.1.20\n"))
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, 22, p.Device.Port)
	assert.Equal(t, "root", p.Device.Username)
	assert.Equal(t, "password", p.Auth.Method)
	assert.Equal(t, 30, p.Connection.TimeoutSeconds)
	assert.Equal(t, 7070, p.CompanionPort)

	store, ok := p.StoreConfig()
	assert.True(t, ok)
	assert.Equal(t, DefaultDatabasePath(), store.Path)
}

func TestParseEmptyDocument(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Device, p.Device)

	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.address is required")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("device:\n  adress: 10.0.0.1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Profile)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(p *Profile) {},
		},
		{
			name:    "bad family",
			modify:  func(p *Profile) { p.Device.Family = "ipx" },
			wantErr: "device.family must be one of [ipv4 ipv6]",
		},
		{
			name:    "port out of range",
			modify:  func(p *Profile) { p.Device.Port = 70000 },
			wantErr: "device.port must be at most 65535",
		},
		{
			name:    "relative home",
			modify:  func(p *Profile) { p.Device.HomeDirectory = "home/root" },
			wantErr: `device.home_directory must start with "/"`,
		},
		{
			name:    "unknown auth method",
			modify:  func(p *Profile) { p.Auth.Method = "token" },
			wantErr: "auth.method must be one of",
		},
		{
			name:    "key without path",
			modify:  func(p *Profile) { p.Auth.Method = "key" },
			wantErr: "auth.private_key_path is required",
		},
		{
			name:    "zero timeout",
			modify:  func(p *Profile) { p.Connection.TimeoutSeconds = 0 },
			wantErr: "connection.timeout_seconds must be at least 1",
		},
		{
			name:    "companion port",
			modify:  func(p *Profile) { p.CompanionPort = 0 },
			wantErr: "companion_port must be at least 1",
		},
		{
			name: "both host key sources",
			modify: func(p *Profile) {
				p.HostKeys.KnownHostsFile = "/etc/known_hosts"
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "interface on ipv4",
			modify: func(p *Profile) {
				p.Device.Family = "ipv4"
				p.Device.InterfaceIndex = 2
			},
			wantErr: "interface only applies to ipv6",
		},
		{
			name:    "telemetry",
			modify:  func(p *Profile) { p.Telemetry.Logging.Level = "loud" },
			wantErr: "telemetry: invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			p.Device.Address = "10.0.0.2"
			tt.modify(p)

			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  address: 10.0.0.2\n  username: pi\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pi", p.Device.Username)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
