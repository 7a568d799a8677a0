package remotefs

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
	closeReader func() error
}

func (c pipeConn) Close() error {
	_ = c.closeReader()
	return c.WriteCloser.Close()
}

// newPipeSFTP starts an in-memory SFTP server and a client talking to it
// over pipes. The client's receive loop only ends once the server closes
// its side, so the server must be closed first.
func newPipeSFTP(t *testing.T) (*sftp.Client, *sftp.RequestServer) {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server := sftp.NewRequestServer(pipeConn{
		Reader:      serverRead,
		WriteCloser: serverWrite,
		closeReader: serverRead.Close,
	}, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	require.NoError(t, err)
	return client, server
}

// newTestFS connects an FS to an in-memory SFTP server over pipes.
func newTestFS(t *testing.T) *FS {
	t.Helper()

	client, server := newPipeSFTP(t)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return New(client, Options{})
}

func TestPipeSFTPTeardown(t *testing.T) {
	client, server := newPipeSFTP(t)
	fs := New(client, Options{})
	_, err := fs.Stat(context.Background(), "/")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = server.Close()
		_ = client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client close blocked after server shutdown")
	}
}

func writeLocal(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(p, data, 0600))
	return p, data
}

func TestNilFSIsNotConnected(t *testing.T) {
	var f *FS
	ctx := context.Background()

	_, err := f.Stat(ctx, "/")
	assert.True(t, remoteerr.IsNotConnected(err))

	_, err = f.List(ctx, "/")
	assert.True(t, remoteerr.IsNotConnected(err))

	assert.True(t, remoteerr.IsNotConnected(f.Mkdir(ctx, "/a")))
	assert.True(t, remoteerr.IsNotConnected(f.MkdirAll(ctx, "/a/b")))
	assert.True(t, remoteerr.IsNotConnected(f.RemoveAll(ctx, "/a")))
	assert.True(t, remoteerr.IsNotConnected(f.Chmod(ctx, "/a", 0700)))
	assert.True(t, remoteerr.IsNotConnected(f.Upload(ctx, "x", "/x", 0, nil)))
	assert.True(t, remoteerr.IsNotConnected(f.Download(ctx, "/x", "x", nil)))
}

func TestStatMissing(t *testing.T) {
	f := newTestFS(t)

	_, err := f.Stat(context.Background(), "/missing")

	require.Error(t, err)
	assert.True(t, remoteerr.IsNoSuchFile(err))
}

func TestMkdirStatAndList(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Mkdir(ctx, "/work"))
	require.NoError(t, f.Mkdir(ctx, "/work/sub"))

	local, _ := writeLocal(t, 10)
	require.NoError(t, f.Upload(ctx, local, "/work/file.txt", 0, nil))

	info, err := f.Stat(ctx, "/work")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "/work", info.Path)

	entries, err := f.List(ctx, "/work")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]*FileInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, TypeRegular, byName["file.txt"].Type)
	assert.Equal(t, int64(10), byName["file.txt"].Size)
	assert.Equal(t, "/work/file.txt", byName["file.txt"].Path)
	assert.Equal(t, TypeDirectory, byName["sub"].Type)
}

func TestMkdirMissingParent(t *testing.T) {
	f := newTestFS(t)

	err := f.Mkdir(context.Background(), "/no/such/parent")
	assert.Error(t, err)
}

func TestRmdirAndUnlink(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Mkdir(ctx, "/d"))
	local, _ := writeLocal(t, 4)
	require.NoError(t, f.Upload(ctx, local, "/d/f", 0, nil))

	assert.Error(t, f.Rmdir(ctx, "/d"), "directory is not empty")

	require.NoError(t, f.Unlink(ctx, "/d/f"))
	require.NoError(t, f.Rmdir(ctx, "/d"))

	_, err := f.Stat(ctx, "/d")
	assert.True(t, remoteerr.IsNoSuchFile(err))
}

func TestMkdirAllAndRemoveAllOverSFTP(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.MkdirAll(ctx, "/opt/app/data"))
	require.NoError(t, f.MkdirAll(ctx, "/opt/app/data"))

	local, _ := writeLocal(t, 100)
	require.NoError(t, f.Upload(ctx, local, "/opt/app/data/a.bin", 0, nil))
	require.NoError(t, f.Upload(ctx, local, "/opt/app/b.bin", 0, nil))

	err := f.MkdirAll(ctx, "/opt/app/b.bin/sub")
	assert.True(t, remoteerr.IsNotADirectory(err))

	require.NoError(t, f.RemoveAll(ctx, "/opt/app"))

	_, err = f.Stat(ctx, "/opt/app")
	assert.True(t, remoteerr.IsNoSuchFile(err))

	info, err := f.Stat(ctx, "/opt")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	size := 3*chunkSize + 123
	local, data := writeLocal(t, size)

	var up []int
	require.NoError(t, f.Upload(ctx, local, "/payload.bin", 0644, func(p int) { up = append(up, p) }))

	require.NotEmpty(t, up)
	assert.Equal(t, 100, up[len(up)-1])
	for i := 1; i < len(up); i++ {
		assert.GreaterOrEqual(t, up[i], up[i-1])
	}

	info, err := f.Stat(ctx, "/payload.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size)

	var down []int
	target := filepath.Join(t.TempDir(), "nested", "copy.bin")
	require.NoError(t, f.Download(ctx, "/payload.bin", target, func(p int) { down = append(down, p) }))

	require.NotEmpty(t, down)
	assert.Equal(t, 100, down[len(down)-1])

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestUploadEmptyFileReportsComplete(t *testing.T) {
	f := newTestFS(t)

	local, _ := writeLocal(t, 0)

	var reports []int
	require.NoError(t, f.Upload(context.Background(), local, "/empty", 0, func(p int) { reports = append(reports, p) }))

	assert.Equal(t, []int{100}, reports)
}

func TestUploadTruncatesExisting(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	big, _ := writeLocal(t, 1000)
	small, data := writeLocal(t, 10)

	require.NoError(t, f.Upload(ctx, big, "/f", 0, nil))
	require.NoError(t, f.Upload(ctx, small, "/f", 0, nil))

	target := filepath.Join(t.TempDir(), "f")
	require.NoError(t, f.Download(ctx, "/f", target, nil))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadMissing(t *testing.T) {
	f := newTestFS(t)

	err := f.Download(context.Background(), "/missing", filepath.Join(t.TempDir(), "x"), nil)
	assert.True(t, remoteerr.IsNoSuchFile(err))
}

func TestUploadMissingLocal(t *testing.T) {
	f := newTestFS(t)

	err := f.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "/x", 0, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 0, 100},
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{5, 3, 100},
		{995, 1000, 100},
		{994, 1000, 99},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, percent(tt.done, tt.total), "percent(%d, %d)", tt.done, tt.total)
	}
}
