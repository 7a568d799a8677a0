package remotefs

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// Tree is the set of single-step operations the recursive helpers need.
// FS implements it.
type Tree interface {
	Stat(ctx context.Context, p string) (*FileInfo, error)
	Lstat(ctx context.Context, p string) (*FileInfo, error)
	List(ctx context.Context, p string) ([]*FileInfo, error)
	Mkdir(ctx context.Context, p string) error
	Rmdir(ctx context.Context, p string) error
	Unlink(ctx context.Context, p string) error
}

var _ Tree = (*FS)(nil)

// MkdirAll creates p and any missing parents, like mkdir -p. p must be
// absolute. Prefixes are checked from the root down; an existing prefix
// that is not a directory fails with a not-a-directory error naming that
// prefix. Calling MkdirAll on an existing directory succeeds.
func MkdirAll(ctx context.Context, t Tree, p string) error {
	if !path.IsAbs(p) {
		return remoteerr.New(remoteerr.KindInvalidArgument, "mkdir-all", p, errors.New("path must be absolute"))
	}

	clean := path.Clean(p)
	if clean == "/" {
		return nil
	}

	prefix := ""
	for _, part := range strings.Split(clean[1:], "/") {
		prefix += "/" + part

		info, err := t.Stat(ctx, prefix)
		switch {
		case err == nil:
			if !info.IsDir() {
				return remoteerr.New(remoteerr.KindNotADirectory, "mkdir-all", prefix, errors.New("path component is not a directory"))
			}
			continue
		case remoteerr.IsNoSuchFile(err):
		default:
			return err
		}

		log.Debug().Str("component", "remotefs").Str("path", prefix).Msg("creating directory")
		if err := t.Mkdir(ctx, prefix); err != nil {
			return err
		}
	}

	return nil
}

// RemoveAll removes p and everything below it, like rm -rf. Children are
// removed depth-first in listing order. The first failure stops the walk
// and is returned as is; entries removed before it stay removed. Symlinks
// are unlinked, never followed. p must be absolute and must not be the root.
func RemoveAll(ctx context.Context, t Tree, p string) error {
	if !path.IsAbs(p) {
		return remoteerr.New(remoteerr.KindInvalidArgument, "remove-all", p, errors.New("path must be absolute"))
	}
	if path.Clean(p) == "/" {
		return remoteerr.New(remoteerr.KindInvalidArgument, "remove-all", p, errors.New("refusing to remove the root directory"))
	}

	return removeAll(ctx, t, path.Clean(p))
}

func removeAll(ctx context.Context, t Tree, p string) error {
	info, err := t.Lstat(ctx, p)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		log.Debug().Str("component", "remotefs").Str("path", p).Msg("unlinking")
		return t.Unlink(ctx, p)
	}

	children, err := t.List(ctx, p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := removeAll(ctx, t, path.Join(p, child.Name)); err != nil {
			return err
		}
	}

	log.Debug().Str("component", "remotefs").Str("path", p).Msg("removing directory")
	return t.Rmdir(ctx, p)
}

// MkdirAll creates p and any missing parents.
func (f *FS) MkdirAll(ctx context.Context, p string) error {
	if _, err := f.sftpClient("mkdir-all"); err != nil {
		return err
	}
	ctx, finish := f.observe(ctx, "mkdir-all", p)
	return finish(MkdirAll(ctx, f, p))
}

// RemoveAll removes p and everything below it.
func (f *FS) RemoveAll(ctx context.Context, p string) error {
	if _, err := f.sftpClient("remove-all"); err != nil {
		return err
	}
	ctx, finish := f.observe(ctx, "remove-all", p)
	return finish(RemoveAll(ctx, f, p))
}
