package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

type forwardCall struct {
	srcHost string
	srcPort int
	dstHost string
	dstPort int
}

// echoForwarder answers every ForwardOut with an in-memory echo service.
type echoForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	err   error
}

func (e *echoForwarder) ForwardOut(_ context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error) {
	e.mu.Lock()
	e.calls = append(e.calls, forwardCall{srcHost, srcPort, dstHost, dstPort})
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_, _ = io.Copy(server, server)
	}()
	return client, nil
}

func (e *echoForwarder) recorded() []forwardCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]forwardCall(nil), e.calls...)
}

func TestOpenTunnel(t *testing.T) {
	fwd := &echoForwarder{}
	f := NewFactory(fwd, Options{})

	ch, err := f.OpenTunnel(context.Background(), DefaultCompanionPort)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Write([]byte("ping\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(ch).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	assert.Equal(t, []forwardCall{{"127.0.0.1", 0, "localhost", 7070}}, fwd.recorded())
}

func TestOpenTunnelRefused(t *testing.T) {
	refused := remoteerr.New(remoteerr.KindForward, "forward", "", errors.New("connect failed"))
	f := NewFactory(&echoForwarder{err: refused}, Options{})

	_, err := f.OpenTunnel(context.Background(), 9000)

	assert.Same(t, refused, err)
}

func TestOpenTunnelInvalidPort(t *testing.T) {
	fwd := &echoForwarder{}
	f := NewFactory(fwd, Options{})

	for _, port := range []int{0, -1, 65536} {
		_, err := f.OpenTunnel(context.Background(), port)
		assert.True(t, remoteerr.IsInvalidArgument(err), "port %d", port)
	}
	assert.Empty(t, fwd.recorded())
}

func TestOpenTunnelNotConnected(t *testing.T) {
	var f *Factory
	_, err := f.OpenTunnel(context.Background(), 7070)
	assert.True(t, remoteerr.IsNotConnected(err))

	_, err = NewFactory(nil, Options{}).OpenTunnel(context.Background(), 7070)
	assert.True(t, remoteerr.IsNotConnected(err))
}

func TestServeBridgesConnections(t *testing.T) {
	fwd := &echoForwarder{}
	f := NewFactory(fwd, Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.Serve(ctx, ln, 8080) }()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)

		_, err = conn.Write([]byte("hello\n"))
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "hello\n", line)
		conn.Close()
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	calls := fwd.recorded()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, 8080, c.dstPort)
	}
}

func TestServeDropsRefusedConnections(t *testing.T) {
	f := NewFactory(&echoForwarder{err: errors.New("refused")}, Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Serve(ctx, ln, 8080) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
