package remotefs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// chunkSize is the size of one transfer request. Only one chunk is in
// flight at a time.
const chunkSize = 32 * 1024

// ProgressFunc receives the transfer progress as a percentage in 0..100.
type ProgressFunc func(percent int)

// progress tracks a transfer and reports it after every chunk.
type progress struct {
	total int64
	done  int64
	last  int
	fn    ProgressFunc
}

func (p *progress) add(n int) {
	p.done += int64(n)
	if p.fn == nil {
		return
	}
	p.last = percent(p.done, p.total)
	p.fn(p.last)
}

// finish reports 100 if the last chunk did not.
func (p *progress) finish() {
	if p.fn != nil && p.last != 100 {
		p.last = 100
		p.fn(100)
	}
}

// percent rounds done/total to the nearest integer percentage. An empty
// transfer is complete by definition.
func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	pct := int((done*100 + total/2) / total)
	if pct > 100 {
		return 100
	}
	return pct
}

// copyChunks copies src to dst one chunk at a time.
func copyChunks(dst io.Writer, src io.Reader, p *progress) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				p.add(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Upload copies the local file to remote. The remote file is created or
// truncated, and Upload returns only after the server has acknowledged
// closing it. A non-zero mode is applied afterwards. On failure the remote
// file may be left partially written.
func (f *FS) Upload(ctx context.Context, local, remote string, mode os.FileMode, onProgress ProgressFunc) error {
	client, err := f.sftpClient("upload")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "upload", remote)
	start := time.Now()

	src, err := os.Open(local)
	if err != nil {
		return finish(fmt.Errorf("failed to open local file: %w", err))
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return finish(fmt.Errorf("failed to stat local file: %w", err))
	}

	dst, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return finish(remoteerr.FromSFTP("upload", remote, err))
	}

	p := &progress{total: stat.Size(), fn: onProgress}
	written, err := copyChunks(dst, src, p)
	f.metrics.RecordTransfer("upload", written)
	if err != nil {
		_ = dst.Close()
		return finish(remoteerr.FromSFTP("upload", remote, err))
	}

	if err := dst.Close(); err != nil {
		return finish(remoteerr.FromSFTP("upload", remote, err))
	}

	if mode != 0 {
		if err := client.Chmod(remote, mode); err != nil {
			return finish(remoteerr.FromSFTP("upload", remote, err))
		}
	}

	p.finish()

	f.logger.Info().
		Str("local", local).
		Str("remote", remote).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")

	return finish(nil)
}

// Download copies the remote file to local, creating the local parent
// directory if needed. On failure the local file may be left partially
// written.
func (f *FS) Download(ctx context.Context, remote, local string, onProgress ProgressFunc) error {
	client, err := f.sftpClient("download")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "download", remote)
	start := time.Now()

	src, err := client.Open(remote)
	if err != nil {
		return finish(remoteerr.FromSFTP("download", remote, err))
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return finish(remoteerr.FromSFTP("download", remote, err))
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return finish(fmt.Errorf("failed to create local directory: %w", err))
	}

	dst, err := os.Create(local)
	if err != nil {
		return finish(fmt.Errorf("failed to create local file: %w", err))
	}

	p := &progress{total: stat.Size(), fn: onProgress}
	written, err := copyChunks(dst, src, p)
	f.metrics.RecordTransfer("download", written)
	if err != nil {
		_ = dst.Close()
		return finish(remoteerr.FromSFTP("download", remote, err))
	}

	if err := dst.Close(); err != nil {
		return finish(fmt.Errorf("failed to close local file: %w", err))
	}

	p.finish()

	f.logger.Info().
		Str("remote", remote).
		Str("local", local).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")

	return finish(nil)
}
