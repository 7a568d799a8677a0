// Package sshtest provides an in-process SSH server for tests. It serves
// password and keyboard-interactive authentication, exec and shell
// channels, an in-memory SFTP subsystem and direct-tcpip forwarding.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Challenge is one keyboard-interactive prompt and its expected answer.
type Challenge struct {
	Prompt string
	Echo   bool
	Answer string
}

// Session is what an exec handler sees of its channel.
type Session struct {
	Env    map[string]string
	Pty    bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExecHandler runs cmd and returns its exit status.
type ExecHandler func(cmd string, s Session) int

// ForwardRequest records one direct-tcpip channel request.
type ForwardRequest struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

// Options configures a Server. The zero value accepts user "testuser"
// with password "testpass".
type Options struct {
	User     string
	Password string

	// DisablePassword turns off the password method.
	DisablePassword bool

	// Challenges enables keyboard-interactive authentication.
	Challenges []Challenge

	// AcceptPublicKeys accepts any public key for User.
	AcceptPublicKeys bool

	// Exec handles exec requests. Defaults to DefaultExec.
	Exec ExecHandler

	// SFTPDelay postpones the SFTP subsystem reply.
	SFTPDelay time.Duration

	// DropKeepAlives leaves keep-alive requests unanswered.
	DropKeepAlives bool

	// RejectForward refuses every direct-tcpip channel.
	RejectForward bool

	// ForwardDial connects forwarded channels. Defaults to a TCP dial.
	ForwardDial func(host string, port int) (net.Conn, error)
}

// Server is an in-process SSH server bound to 127.0.0.1.
type Server struct {
	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	hostKey  ssh.PublicKey
	handlers sftp.Handlers

	keepAlives atomic.Int64

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	answers  []string
	forwards []ForwardRequest
	closed   bool
	wg       sync.WaitGroup
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.User == "" {
		opts.User = "testuser"
	}
	if opts.Password == "" && !opts.DisablePassword {
		opts.Password = "testpass"
	}
	if opts.Exec == nil {
		opts.Exec = DefaultExec
	}
	if opts.ForwardDial == nil {
		opts.ForwardDial = func(host string, port int) (net.Conn, error) {
			return net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		}
	}

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	s := &Server{
		opts:     opts,
		hostKey:  signer.PublicKey(),
		handlers: sftp.InMemHandler(),
		conns:    make(map[*ssh.ServerConn]struct{}),
	}

	config := &ssh.ServerConfig{}
	if !opts.DisablePassword {
		config.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == opts.User && string(pass) == opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		}
	}
	if len(opts.Challenges) > 0 {
		config.KeyboardInteractiveCallback = s.keyboardInteractive
	}
	if opts.AcceptPublicKeys {
		config.PublicKeyCallback = func(c ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == opts.User {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown user")
		}
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey
}

// KeepAlives returns how many keep-alive requests have arrived.
func (s *Server) KeepAlives() int64 {
	return s.keepAlives.Load()
}

// Answers returns the last keyboard-interactive answers received.
func (s *Server) Answers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.answers...)
}

// Forwards returns every direct-tcpip request received.
func (s *Server) Forwards() []ForwardRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ForwardRequest(nil), s.forwards...)
}

// DropConnections closes every live connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) keyboardInteractive(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	questions := make([]string, len(s.opts.Challenges))
	echos := make([]bool, len(s.opts.Challenges))
	for i, ch := range s.opts.Challenges {
		questions[i] = ch.Prompt
		echos[i] = ch.Echo
	}

	answers, err := challenge(c.User(), "", questions, echos)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.answers = answers
	s.mu.Unlock()

	if c.User() != s.opts.User || len(answers) != len(questions) {
		return nil, fmt.Errorf("invalid credentials")
	}
	for i, ch := range s.opts.Challenges {
		if answers[i] != ch.Answer {
			return nil, fmt.Errorf("invalid credentials")
		}
	}
	return nil, nil
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sshConn.Close()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		_ = sshConn.Close()
	}()

	go s.handleGlobalRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go s.handleSession(newChannel)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "keepalive@openssh.com" {
			s.keepAlives.Add(1)
			if s.opts.DropKeepAlives {
				continue
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) handleSession(newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}

	env := make(map[string]string)
	pty := false

	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			env[kv.Name] = kv.Value
			_ = req.Reply(true, nil)

		case "pty-req":
			pty = true
			_ = req.Reply(true, nil)

		case "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			sess := Session{Env: copyEnv(env), Pty: pty, Stdin: channel, Stdout: channel, Stderr: channel.Stderr()}
			go s.run(channel, func() int { return s.opts.Exec(payload.Command, sess) })

		case "shell":
			_ = req.Reply(true, nil)
			go s.run(channel, func() int {
				_, _ = io.Copy(channel, channel)
				return 0
			})

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			if s.opts.SFTPDelay > 0 {
				time.Sleep(s.opts.SFTPDelay)
			}
			_ = req.Reply(true, nil)
			go func() {
				server := sftp.NewRequestServer(channel, s.handlers)
				_ = server.Serve()
				_ = server.Close()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) run(channel ssh.Channel, fn func() int) {
	status := fn()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	_ = channel.Close()
}

func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var req ForwardRequest
	if err := ssh.Unmarshal(newChannel.ExtraData(), &req); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "malformed request")
		return
	}

	s.mu.Lock()
	s.forwards = append(s.forwards, req)
	s.mu.Unlock()

	if s.opts.RejectForward {
		_ = newChannel.Reject(ssh.Prohibited, "forwarding disabled")
		return
	}

	target, err := s.opts.ForwardDial(req.DestAddr, int(req.DestPort))
	if err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	go func() {
		_, _ = io.Copy(target, channel)
		_ = target.Close()
	}()
	go func() {
		_, _ = io.Copy(channel, target)
		_ = channel.Close()
	}()
}

// DefaultExec understands a handful of commands:
//
//	true, exit N, echo ARGS, printenv NAME, lines N, cat
//
// Anything else is echoed back as "command: CMD".
func DefaultExec(cmd string, s Session) int {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return 0
	}

	switch fields[0] {
	case "true":
		return 0
	case "exit":
		if len(fields) > 1 {
			n, _ := strconv.Atoi(fields[1])
			return n
		}
		return 0
	case "echo":
		if len(fields) > 1 && fields[len(fields)-1] == ">&2" {
			fmt.Fprintln(s.Stderr, strings.Join(fields[1:len(fields)-1], " "))
			return 0
		}
		fmt.Fprintln(s.Stdout, strings.Join(fields[1:], " "))
		return 0
	case "printenv":
		if len(fields) > 1 {
			v, ok := s.Env[fields[1]]
			if !ok {
				return 1
			}
			fmt.Fprintln(s.Stdout, v)
		}
		return 0
	case "lines":
		n := 0
		if len(fields) > 1 {
			n, _ = strconv.Atoi(fields[1])
		}
		for i := 1; i <= n; i++ {
			fmt.Fprintf(s.Stdout, "out %d\n", i)
			fmt.Fprintf(s.Stderr, "err %d\r\n", i)
		}
		return 0
	case "cat":
		_, _ = io.Copy(s.Stdout, s.Stdin)
		return 0
	}

	fmt.Fprintf(s.Stdout, "command: %s\n", cmd)
	return 0
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
