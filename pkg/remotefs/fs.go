// Package remotefs exposes filesystem operations on a device over an SFTP
// sub-session: attribute queries, directory management, permission changes,
// progress-reporting transfers and the recursive mkdir -p / rm -rf helpers.
//
// Every method is safe to call on a nil *FS and then fails with a
// not-connected error without touching the network.
package remotefs

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/devlink/pkg/remoteerr"
	"github.com/openfroyo/devlink/pkg/telemetry"
)

// FileType is the kind of a remote filesystem entry.
type FileType string

const (
	TypeRegular   FileType = "regular"
	TypeDirectory FileType = "directory"
	TypeSymlink   FileType = "symlink"
	TypeOther     FileType = "other"
)

// FileInfo is a snapshot of a remote entry's attributes. It is not cached.
type FileInfo struct {
	// Name is the base name of the entry
	Name string `json:"name"`

	// Path is the absolute remote path
	Path string `json:"path"`

	Type    FileType    `json:"type"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`

	// AccessTime, UID and GID are zero when the server does not report them
	AccessTime time.Time `json:"access_time,omitzero"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
}

// IsDir reports whether the entry is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.Type == TypeDirectory
}

// newFileInfo converts an SFTP attribute record.
func newFileInfo(p string, fi os.FileInfo) *FileInfo {
	info := &FileInfo{
		Name:    fi.Name(),
		Path:    p,
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}

	mode := fi.Mode()
	switch {
	case mode.IsDir():
		info.Type = TypeDirectory
	case mode&os.ModeSymlink != 0:
		info.Type = TypeSymlink
	case mode.IsRegular():
		info.Type = TypeRegular
	default:
		info.Type = TypeOther
	}

	if stat, ok := fi.Sys().(*sftp.FileStat); ok {
		info.AccessTime = time.Unix(int64(stat.Atime), 0)
		info.UID = stat.UID
		info.GID = stat.GID
	}
	return info
}

// Options configures an FS. All fields are optional.
type Options struct {
	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// FS is the filesystem adapter over one SFTP sub-session.
type FS struct {
	client  *sftp.Client
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// New wraps an SFTP client. The caller keeps ownership of the client.
func New(client *sftp.Client, opts Options) *FS {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &FS{
		client:  client,
		logger:  logger.With().Str("component", "remotefs").Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// sftpClient returns the client or a not-connected error for op.
func (f *FS) sftpClient(op string) (*sftp.Client, error) {
	if f == nil || f.client == nil {
		return nil, remoteerr.NotConnected(op)
	}
	return f.client, nil
}

// observe opens a span for op and returns a finisher that records the
// outcome in the span, the metrics and the debug log.
func (f *FS) observe(ctx context.Context, op, p string) (context.Context, func(error) error) {
	start := time.Now()
	ctx, span := f.tracer.StartSpan(ctx, "remotefs."+op, telemetry.AttrRemotePath.String(p))

	return ctx, func(err error) error {
		duration := time.Since(start)
		if err != nil {
			span.SetAttributes(attribute.String("error.kind", string(remoteerr.KindOf(err))))
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()

		f.metrics.RecordOperation(op, duration, err)
		f.logger.Debug().Str("op", op).Str("path", p).Dur("duration", duration).Err(err).Msg("filesystem operation")
		return err
	}
}

// Stat returns the attributes of p, following symlinks.
func (f *FS) Stat(ctx context.Context, p string) (*FileInfo, error) {
	client, err := f.sftpClient("stat")
	if err != nil {
		return nil, err
	}
	_, finish := f.observe(ctx, "stat", p)

	fi, err := client.Stat(p)
	if err != nil {
		return nil, finish(remoteerr.FromSFTP("stat", p, err))
	}
	return newFileInfo(p, fi), finish(nil)
}

// Lstat returns the attributes of p without following a final symlink.
func (f *FS) Lstat(ctx context.Context, p string) (*FileInfo, error) {
	client, err := f.sftpClient("lstat")
	if err != nil {
		return nil, err
	}
	_, finish := f.observe(ctx, "lstat", p)

	fi, err := client.Lstat(p)
	if err != nil {
		return nil, finish(remoteerr.FromSFTP("lstat", p, err))
	}
	return newFileInfo(p, fi), finish(nil)
}

// List returns the entries of directory p in server order. "." and ".."
// are never included.
func (f *FS) List(ctx context.Context, p string) ([]*FileInfo, error) {
	client, err := f.sftpClient("list")
	if err != nil {
		return nil, err
	}
	_, finish := f.observe(ctx, "list", p)

	entries, err := client.ReadDir(p)
	if err != nil {
		return nil, finish(remoteerr.FromSFTP("list", p, err))
	}

	infos := make([]*FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == "." || entry.Name() == ".." {
			continue
		}
		infos = append(infos, newFileInfo(path.Join(p, entry.Name()), entry))
	}
	return infos, finish(nil)
}

// Mkdir creates a single directory. The parent must exist.
func (f *FS) Mkdir(ctx context.Context, p string) error {
	client, err := f.sftpClient("mkdir")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "mkdir", p)
	return finish(remoteerr.FromSFTP("mkdir", p, client.Mkdir(p)))
}

// Rmdir removes an empty directory.
func (f *FS) Rmdir(ctx context.Context, p string) error {
	client, err := f.sftpClient("rmdir")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "rmdir", p)
	return finish(remoteerr.FromSFTP("rmdir", p, client.RemoveDirectory(p)))
}

// Unlink removes a non-directory entry. Like the SFTP client it falls back
// to removing p as an empty directory.
func (f *FS) Unlink(ctx context.Context, p string) error {
	client, err := f.sftpClient("unlink")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "unlink", p)
	return finish(remoteerr.FromSFTP("unlink", p, client.Remove(p)))
}

// Chmod changes the permission bits of p.
func (f *FS) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	client, err := f.sftpClient("chmod")
	if err != nil {
		return err
	}
	_, finish := f.observe(ctx, "chmod", p)
	return finish(remoteerr.FromSFTP("chmod", p, client.Chmod(p, mode)))
}

// Getwd returns the server's idea of the current directory.
func (f *FS) Getwd() (string, error) {
	client, err := f.sftpClient("getwd")
	if err != nil {
		return "", err
	}
	wd, err := client.Getwd()
	if err != nil {
		return "", remoteerr.FromSFTP("getwd", "", err)
	}
	return wd, nil
}
