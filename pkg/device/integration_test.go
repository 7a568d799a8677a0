package device

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devlink/pkg/remoteerr"
	"github.com/openfroyo/devlink/pkg/transports/ssh"
	"github.com/openfroyo/devlink/pkg/transports/ssh/sshtest"
)

// newSSHDevice wires a device to a real client talking to srv. The test
// server only has "/" until something creates more, so it doubles as home.
func newSSHDevice(t *testing.T, srv *sshtest.Server, password string) (*Device, *eventLog) {
	t.Helper()

	cfg := ssh.DefaultConfig(srv.Host(), "testuser")
	cfg.Port = srv.Port()
	cfg.Password = password
	cfg.ConnectionTimeout = 5 * time.Second

	client, err := ssh.NewSSHClient(cfg)
	require.NoError(t, err)

	d := New(Descriptor{
		Address:       srv.Host(),
		Port:          srv.Port(),
		Username:      "testuser",
		HomeDirectory: "/",
	}, client, Options{})
	t.Cleanup(func() { _ = d.Disconnect() })

	log := &eventLog{}
	d.Subscribe(log.add, nil)
	return d, log
}

func TestSSHDeviceSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	d, log := newSSHDevice(t, srv, "testpass")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	assert.Equal(t, StateConnected, d.State())
	assert.Equal(t, []EventType{EventAboutToConnect, EventConnected}, log.types())

	home, err := d.HomeDirectoryAttributes()
	require.NoError(t, err)
	assert.True(t, home.IsDir())

	require.NoError(t, d.MkdirAll(ctx, "/srv/app/data"))
	require.NoError(t, d.MkdirAll(ctx, "/srv/app/data"))

	payload := bytes.Repeat([]byte("devlink"), 20000)
	local := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(local, payload, 0o644))

	var progress []int
	require.NoError(t, d.Upload(ctx, local, "/srv/app/data/payload.bin", 0o644, func(p int) {
		progress = append(progress, p)
	}))
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])

	back := filepath.Join(t.TempDir(), "back.bin")
	require.NoError(t, d.Download(ctx, "/srv/app/data/payload.bin", back, nil))
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := d.List(ctx, "/srv/app/data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payload.bin", entries[0].Name)
	assert.Equal(t, int64(len(payload)), entries[0].Size)

	res, err := d.Run(ctx, "echo hello device", ssh.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello device", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = d.Run(ctx, "exit 3", ssh.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	streams, err := d.StreamOutput(ctx, "lines 3", ssh.ExecOptions{})
	require.NoError(t, err)
	lines := slices.Collect(streams.Stdout.Lines())
	require.NoError(t, streams.Wait())
	assert.Equal(t, []string{"out 1", "out 2", "out 3"}, lines)

	require.NoError(t, d.RemoveAll(ctx, "/srv"))
	_, err = d.Stat(ctx, "/srv")
	assert.True(t, remoteerr.IsNoSuchFile(err))

	require.NoError(t, d.Disconnect())
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, []EventType{EventAboutToConnect, EventConnected, EventDisconnected}, log.types())

	_, err = d.Stat(ctx, "/")
	assert.True(t, remoteerr.IsNotConnected(err))
}

func TestSSHDeviceAuthFailure(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	d, log := newSSHDevice(t, srv, "wrong")

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, remoteerr.IsConnectionFailed(err), "got %v", err)

	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, []EventType{EventAboutToConnect, EventDisconnected}, log.types())
}

func TestSSHDeviceDroppedByServer(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	d, _ := newSSHDevice(t, srv, "testpass")

	dropped := make(chan struct{}, 1)
	d.Subscribe(func(Event) { dropped <- struct{}{} }, FilterByType(EventDisconnected))

	require.NoError(t, d.Connect(context.Background()))
	srv.DropConnections()

	select {
	case <-dropped:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the disconnected event")
	}
	assert.Equal(t, StateIdle, d.State())

	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, d.IsConnected())
}
