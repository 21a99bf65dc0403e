package errno

import (
	"fmt"
	"io"
	"io/fs"
	"syscall"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/pkg/errors"
)

// Error is a failed spawn step reduced to a single POSIX error code.
type Error struct {
	Op    string
	Path  string
	Errno syscall.Errno
}

func New(op, path string, code syscall.Errno) *Error {
	return &Error{Op: op, Path: path, Errno: code}
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Errno.Error())
}

func (e *Error) Unwrap() error {
	return e.Errno
}

func BadFileNumber(fd int) error {
	return errors.Wrapf(syscall.EBADF, "bad file number %d", fd)
}

// From reduces err to the nearest POSIX error code. A nil error is 0.
func From(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var code syscall.Errno
	if errors.As(err, &code) {
		return code
	}
	switch {
	case err == io.EOF:
		return syscall.ENOENT
	case errors.Is(err, fs.ErrClosed), errors.Is(err, hackpadfs.ErrClosed):
		return syscall.EBADF // if it was already closed, then the file descriptor was invalid
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, hackpadfs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	default:
		log.Errorf("Unknown error type: (%T) %+v", err, err)
		return syscall.EIO
	}
}
