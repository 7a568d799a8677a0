package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("192.168.1.20", "root")

	if config.Host != "192.168.1.20" {
		t.Errorf("expected host '192.168.1.20', got '%s'", config.Host)
	}

	if config.User != "root" {
		t.Errorf("expected user 'root', got '%s'", config.User)
	}

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}

	if config.AuthMethod != AuthMethodPassword {
		t.Errorf("expected auth method 'password', got '%s'", config.AuthMethod)
	}

	if config.Family != FamilyIPv4 {
		t.Errorf("expected family ipv4, got '%s'", config.Family)
	}

	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}

	if config.KeepAliveInterval != time.Second || config.MaxKeepAliveRetries != 5 {
		t.Errorf("expected keep-alive 1s x5, got %v x%d", config.KeepAliveInterval, config.MaxKeepAliveRetries)
	}

	if v6 := DefaultConfig("fe80::1%eth0", "root"); v6.Family != FamilyIPv6 {
		t.Errorf("expected family ipv6 for link-local literal, got '%s'", v6.Family)
	}

	if named := DefaultConfig("device.local", "root"); named.Family != "" {
		t.Errorf("expected no family for hostnames, got '%s'", named.Family)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.Password = "secret"
			},
			expectError: false,
		},
		{
			name: "empty password is allowed",
			modifyFunc: func(c *Config) {
				c.Password = ""
			},
			expectError: false,
		},
		{
			name: "missing host",
			modifyFunc: func(c *Config) {
				c.Host = ""
			},
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name: "invalid port",
			modifyFunc: func(c *Config) {
				c.Port = 0
			},
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "missing user",
			modifyFunc: func(c *Config) {
				c.User = ""
			},
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "unknown family",
			modifyFunc: func(c *Config) {
				c.Family = "ipx"
			},
			expectError: true,
			errorMsg:    "unsupported address family",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "interactive auth without responder",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodInteractive
			},
			expectError: true,
			errorMsg:    "prompt responder is required",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name: "keep-alive without retries",
			modifyFunc: func(c *Config) {
				c.MaxKeepAliveRetries = 0
			},
			expectError: true,
			errorMsg:    "max keep-alive retries must be positive",
		},
		{
			name: "keep-alive disabled without retries",
			modifyFunc: func(c *Config) {
				c.KeepAliveInterval = 0
				c.MaxKeepAliveRetries = 0
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.expectError && err == nil {
				t.Errorf("expected error containing '%s', got nil", tt.errorMsg)
			}

			if !tt.expectError && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}

			if tt.expectError && err != nil && !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	address, err := config.Address()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", address)
	}

	v6 := DefaultConfig("fe80::1", "testuser")
	v6.Interface = Interface{Index: 7, Name: "en0"}
	v6.ZoneStyle = ZoneByIndex

	address, err = v6.Address()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != "[fe80::1%7]:22" {
		t.Errorf("expected address '[fe80::1%%7]:22', got '%s'", address)
	}
}

func TestConfigNetwork(t *testing.T) {
	tests := []struct {
		family AddressFamily
		want   string
	}{
		{FamilyIPv4, "tcp4"},
		{FamilyIPv6, "tcp6"},
		{"", "tcp"},
	}

	for _, tt := range tests {
		config := &Config{Family: tt.family}
		if got := config.Network(); got != tt.want {
			t.Errorf("family %q: expected %s, got %s", tt.family, tt.want, got)
		}
	}
}

func TestConfigMergedEnv(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Env = map[string]string{"LANG": "C", "TERM": "dumb"}

	env := config.mergedEnv(map[string]string{"TERM": "xterm"})

	if env["LANG"] != "C" || env["TERM"] != "xterm" {
		t.Errorf("unexpected merged env: %v", env)
	}
	if config.Env["TERM"] != "dumb" {
		t.Error("expected configured env to stay untouched")
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.Password = "secret"

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}

		// password plus the keyboard-interactive fallback
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}

		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("interactive only", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodInteractive
		config.Responder = func(Prompt) (string, error) { return "", nil }

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("strict checking with missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")
		config.StrictHostKeyChecking = true

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})
}

// writeTestKey writes an unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
