package ssh

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/devlink/pkg/transports/ssh/sshtest"
)

// connectedClient starts a server with opts and returns a connected client.
func connectedClient(t *testing.T, opts sshtest.Options, modify func(*Config)) (*SSHClient, *sshtest.Server) {
	t.Helper()

	srv := sshtest.NewServer(t, opts)
	client := newTestClient(t, srv, modify)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return client, srv
}

func TestExecutorRun(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, nil)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedStdout string
		expectedStderr string
		expectedCode   int
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:         "exit with error",
			command:      "exit 3",
			expectedCode: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command, ExecOptions{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, result.Stdout)
			}

			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, result.Stderr)
			}

			if result.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, result.ExitCode)
			}
		})
	}
}

func TestExecutorRunContextCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	client, _ := connectedClient(t, sshtest.Options{
		Exec: func(cmd string, s sshtest.Session) int {
			<-block
			return 0
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, "sleep 10", ExecOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestExecutorExecEnvironment(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, func(c *Config) {
		c.Env = map[string]string{"DEVICE_MODE": "factory", "LANG": "C"}
	})
	ctx := context.Background()

	result, err := client.Run(ctx, "printenv DEVICE_MODE", ExecOptions{
		Env: map[string]string{"DEVICE_MODE": "service"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "service" {
		t.Errorf("expected per-call env to win, got '%s'", result.Stdout)
	}

	result, err = client.Run(ctx, "printenv LANG", ExecOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "C" {
		t.Errorf("expected configured env to apply, got '%s'", result.Stdout)
	}
}

func TestExecutorExecStreamsAndExitStatus(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, nil)

	ch, err := client.Exec(context.Background(), "cat", ExecOptions{})
	if err != nil {
		t.Fatalf("failed to exec: %v", err)
	}
	defer ch.Close()

	if _, err := io.WriteString(ch, "ping\n"); err != nil {
		t.Fatalf("failed to write stdin: %v", err)
	}
	_ = ch.Stdin().Close()

	line, err := bufio.NewReader(ch).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read stdout: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("expected 'ping', got %q", line)
	}

	if err := ch.Wait(); err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("expected repeated close to succeed, got %v", err)
	}
}

func TestExecutorExitStatus(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, nil)

	ch, err := client.Exec(context.Background(), "exit 42", ExecOptions{})
	if err != nil {
		t.Fatalf("failed to exec: %v", err)
	}
	defer ch.Close()

	err = ch.Wait()
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ssh.ExitError, got %v", err)
	}
	if ExitStatus(err) != 42 {
		t.Errorf("expected status 42, got %d", ExitStatus(err))
	}
	if ExitStatus(nil) != 0 || ExitStatus(errors.New("x")) != -1 {
		t.Error("unexpected ExitStatus fallback values")
	}
}

func TestExecutorShell(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, nil)

	ch, err := client.Shell(context.Background(), DefaultPtyOptions(), map[string]string{"TERM": "xterm"})
	if err != nil {
		t.Fatalf("failed to start shell: %v", err)
	}
	defer ch.Close()

	if err := ch.Resize(40, 120); err != nil {
		t.Errorf("resize failed: %v", err)
	}

	if _, err := io.WriteString(ch, "hello shell\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	line, err := bufio.NewReader(ch).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if strings.TrimSpace(line) != "hello shell" {
		t.Errorf("expected echo, got %q", line)
	}
}

func TestExecutorShellWithoutPty(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{}, nil)

	ch, err := client.Shell(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("failed to start shell: %v", err)
	}
	defer ch.Close()

	_ = ch.Stdin().Close()
	if err := ch.Wait(); err != nil {
		t.Errorf("expected shell to exit cleanly, got %v", err)
	}
}
