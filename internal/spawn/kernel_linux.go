//go:build linux

package spawn

import (
	"os"
	"strconv"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// unixKernel creates images with syscall.StartProcess, placing each descriptor explicitly.
// Its own handles are close-on-exec descriptors.
type unixKernel struct{}

var _ Kernel = &unixKernel{}

func NewUnixKernel() Kernel {
	return &unixKernel{}
}

func dirFD(dir fs.Handle) int {
	if dir == fs.CurrentDirectory {
		return unix.AT_FDCWD
	}
	return int(dir)
}

func (k *unixKernel) Dup(h fs.Handle) (fs.Handle, error) {
	fd, err := unix.FcntlInt(uintptr(h), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return fs.Handle(fd), nil
}

func (k *unixKernel) Open(dir fs.Handle, path string, flags int, mode uint32) (fs.Handle, error) {
	fd, err := unix.Openat(dirFD(dir), path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return fs.Handle(fd), nil
}

func (k *unixKernel) OpenDir(dir fs.Handle, path string) (fs.Handle, error) {
	return k.Open(dir, path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}

func (k *unixKernel) Close(h fs.Handle) error {
	return unix.Close(int(h))
}

func (k *unixKernel) DirPath(h fs.Handle) (string, error) {
	p, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(h)))
	return p, errors.Wrapf(err, "resolve directory handle %d", h)
}

func (k *unixKernel) NullDevice() string {
	return fs.DevNull
}

func (k *unixKernel) SignalMask() Sigset {
	var mask unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &mask); err != nil {
		return 0
	}
	return Sigset(mask.Val[0])
}

func (k *unixKernel) Pid() common.PID {
	return common.PID(os.Getpid())
}

func (k *unixKernel) ParentPid() common.PID {
	return common.PID(os.Getppid())
}

func (k *unixKernel) CreateProcess(req *CreateRequest) (*Created, error) {
	files := make([]uintptr, len(req.Descriptors))
	for fd, d := range req.Descriptors {
		if d.Empty() {
			files[fd] = ^uintptr(0)
		} else {
			files[fd] = uintptr(d.Handle)
		}
	}
	pid, _, err := syscall.StartProcess(req.Path, req.Argv, &syscall.ProcAttr{
		Dir:   req.Dir,
		Env:   req.Env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setpgid: req.Flags&CreateNewProcessGroup != 0,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Created{
		Pid:     common.PID(pid),
		Process: fs.InvalidHandle,
		Thread:  fs.InvalidHandle,
	}, nil
}
