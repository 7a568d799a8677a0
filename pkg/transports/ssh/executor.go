package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// Channel is an open command or shell channel. Reads come from the remote
// stdout, writes go to the remote stdin.
type Channel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
	closeErr  error
}

// Stdin returns the remote standard input.
func (ch *Channel) Stdin() io.WriteCloser { return ch.stdin }

// Stdout returns the remote standard output.
func (ch *Channel) Stdout() io.Reader { return ch.stdout }

// Stderr returns the remote standard error. It is empty when a
// pseudo-terminal was requested.
func (ch *Channel) Stderr() io.Reader { return ch.stderr }

// Read reads from the remote standard output.
func (ch *Channel) Read(p []byte) (int, error) { return ch.stdout.Read(p) }

// Write writes to the remote standard input.
func (ch *Channel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }

// Wait blocks until the remote command exits. A non-zero exit status is
// reported as *ssh.ExitError.
func (ch *Channel) Wait() error {
	return ch.session.Wait()
}

// Resize informs the remote pseudo-terminal of a new window size.
func (ch *Channel) Resize(rows, cols int) error {
	return ch.session.WindowChange(rows, cols)
}

// Signal delivers a signal to the remote process. Many servers ignore it.
func (ch *Channel) Signal(sig ssh.Signal) error {
	return ch.session.Signal(sig)
}

// Close closes the channel. Safe to call more than once.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		err := ch.session.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			ch.closeErr = err
		}
	})
	return ch.closeErr
}

// ExitStatus extracts the remote exit status from a Wait error. A nil error
// is status 0; errors that carry no status return -1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Exec starts cmd on a new command channel.
func (c *SSHClient) Exec(ctx context.Context, cmd string, opts ExecOptions) (*Channel, error) {
	ch, err := c.openChannel("exec", opts.Env, opts.Pty)
	if err != nil {
		c.config.Metrics.RecordExec(err)
		return nil, err
	}

	c.logger.Debug().Str("command", cmd).Bool("pty", opts.Pty != nil).Msg("executing command")

	if err := ch.session.Start(cmd); err != nil {
		_ = ch.Close()
		err = remoteerr.New(remoteerr.KindChannel, "exec", "", fmt.Errorf("failed to start command: %w", err))
		c.config.Metrics.RecordExec(err)
		return nil, err
	}
	c.config.Metrics.RecordExec(nil)
	return ch, nil
}

// Shell starts an interactive shell. A nil pty starts the shell without a
// pseudo-terminal.
func (c *SSHClient) Shell(ctx context.Context, pty *PtyOptions, env map[string]string) (*Channel, error) {
	ch, err := c.openChannel("shell", env, pty)
	if err != nil {
		return nil, err
	}

	if err := ch.session.Shell(); err != nil {
		_ = ch.Close()
		return nil, remoteerr.New(remoteerr.KindChannel, "shell", "", fmt.Errorf("failed to start shell: %w", err))
	}

	c.logger.Info().Bool("pty", pty != nil).Msg("interactive session started")
	return ch, nil
}

// openChannel creates a session with the environment and optional
// pseudo-terminal applied and its standard streams attached.
func (c *SSHClient) openChannel(op string, env map[string]string, pty *PtyOptions) (*Channel, error) {
	// exec and shell report a missing connection as a channel failure
	client, _, err := c.getClient(op)
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindChannel, op, "", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindChannel, op, "", fmt.Errorf("failed to create session: %w", err))
	}

	merged := c.config.mergedEnv(env)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// Servers commonly refuse env requests through AcceptEnv.
		if err := session.Setenv(k, merged[k]); err != nil {
			c.logger.Debug().Str("name", k).Err(err).Msg("environment variable rejected")
		}
	}

	fail := func(what string, err error) (*Channel, error) {
		_ = session.Close()
		return nil, remoteerr.New(remoteerr.KindChannel, op, "", fmt.Errorf("failed to %s: %w", what, err))
	}

	if pty != nil {
		if err := session.RequestPty(pty.Term, pty.Rows, pty.Cols, pty.Modes); err != nil {
			return fail("request pseudo-terminal", err)
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail("create stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("create stdout pipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fail("create stderr pipe", err)
	}

	return &Channel{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// ExecResult represents the result of a collected command execution.
type ExecResult struct {
	// Stdout is the standard output, trimmed
	Stdout string

	// Stderr is the standard error, trimmed
	Stderr string

	// ExitCode is the remote exit status, -1 when none was reported
	ExitCode int

	// Duration is how long the command took
	Duration time.Duration
}

// Run executes cmd, collects its output and waits for it to exit. When ctx
// ends first the remote process is signalled and the channel closed.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	startTime := time.Now()

	ch, err := c.Exec(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	_ = ch.stdin.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, ch.stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, ch.stderr)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- ch.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = ch.Signal(ssh.SIGTERM)
		_ = ch.Close()
		<-done
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		ExitCode: ExitStatus(execErr),
		Duration: time.Since(startTime),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	var exitErr *ssh.ExitError
	if execErr != nil && !errors.As(execErr, &exitErr) {
		return result, execErr
	}
	return result, nil
}
