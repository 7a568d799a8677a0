// Package remoteerr defines the error taxonomy shared by the transport,
// remote filesystem, tunnel and device packages.
package remoteerr

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkg/sftp"
)

// Kind classifies an error surfaced by a remote operation.
type Kind string

const (
	// KindNotConnected is returned when an operation runs without an open
	// session or SFTP sub-session.
	KindNotConnected Kind = "not_connected"

	// KindConnectionFailed covers handshake, authentication and timeout failures.
	KindConnectionFailed Kind = "connection_failed"

	// KindChannel is returned when the remote refuses a command or shell channel.
	KindChannel Kind = "channel"

	// KindForward is returned when the remote refuses a forwarded channel.
	KindForward Kind = "forward"

	// KindNoSuchFile maps the SFTP "no such file" status.
	KindNoSuchFile Kind = "no_such_file"

	// KindNotADirectory is returned when a path component exists but is not a directory.
	KindNotADirectory Kind = "not_a_directory"

	// KindInvalidArgument is returned for malformed input such as relative paths.
	KindInvalidArgument Kind = "invalid_argument"

	// KindProtocol is the passthrough for anything the transport or SFTP
	// layer reports that is not classified above.
	KindProtocol Kind = "protocol"
)

// Error is a classified remote-operation error.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Op is the operation that failed (e.g. "stat", "connect", "exec").
	Op string

	// Path is the remote path involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. A target with an
// empty Kind matches any *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrChannel          = &Error{Kind: KindChannel}
	ErrForward          = &Error{Kind: KindForward}
	ErrNoSuchFile       = &Error{Kind: KindNoSuchFile}
	ErrNotADirectory    = &Error{Kind: KindNotADirectory}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrProtocol         = &Error{Kind: KindProtocol}
)

// New creates a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// NotConnected creates a KindNotConnected error for op.
func NotConnected(op string) *Error {
	return &Error{Kind: KindNotConnected, Op: op}
}

// FromSFTP classifies an error returned by the SFTP client. Errors that are
// already classified are returned unchanged.
func FromSFTP(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: KindNoSuchFile, Op: op, Path: path, Err: err}
	}

	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return &Error{Kind: KindNoSuchFile, Op: op, Path: path, Err: err}
	}

	return &Error{Kind: KindProtocol, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of err, or an empty Kind when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotConnected returns true if err is classified as KindNotConnected.
func IsNotConnected(err error) bool {
	return KindOf(err) == KindNotConnected
}

// IsConnectionFailed returns true if err is classified as KindConnectionFailed.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == KindConnectionFailed
}

// IsNoSuchFile returns true if err is classified as KindNoSuchFile.
func IsNoSuchFile(err error) bool {
	return KindOf(err) == KindNoSuchFile
}

// IsNotADirectory returns true if err is classified as KindNotADirectory.
func IsNotADirectory(err error) bool {
	return KindOf(err) == KindNotADirectory
}

// IsInvalidArgument returns true if err is classified as KindInvalidArgument.
func IsInvalidArgument(err error) bool {
	return KindOf(err) == KindInvalidArgument
}
