//go:build windows

package spawn

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const nulDevice = "NUL"

// GetFinalPathNameByHandle flags: normalized name, drive letter form.
const (
	fileNameNormalized = 0x0
	volumeNameDOS      = 0x0
)

// windowsKernel creates processes with CreateProcess, passing an explicit handle list.
type windowsKernel struct{}

var _ Kernel = &windowsKernel{}

func NewWindowsKernel() Kernel {
	return &windowsKernel{}
}

func inheritable() *windows.SecurityAttributes {
	sa := &windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(*sa))
	return sa
}

func (k *windowsKernel) Dup(h fs.Handle) (fs.Handle, error) {
	self := windows.CurrentProcess()
	var dup windows.Handle
	err := windows.DuplicateHandle(self, windows.Handle(h), self, &dup, 0, true, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return fs.Handle(dup), nil
}

func (k *windowsKernel) resolve(dir fs.Handle, path string) (string, error) {
	if path == nulDevice || filepath.IsAbs(path) || dir == fs.CurrentDirectory {
		return path, nil
	}
	base, err := k.DirPath(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, path), nil
}

func (k *windowsKernel) Open(dir fs.Handle, path string, flags int, mode uint32) (fs.Handle, error) {
	path, err := k.resolve(dir, path)
	if err != nil {
		return fs.InvalidHandle, err
	}
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fs.InvalidHandle, err
	}

	var access uint32
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		access = windows.GENERIC_READ
	case os.O_WRONLY:
		access = windows.GENERIC_WRITE
	case os.O_RDWR:
		access = windows.GENERIC_READ | windows.GENERIC_WRITE
	}
	if flags&os.O_APPEND != 0 {
		access &^= windows.GENERIC_WRITE
		access |= windows.FILE_APPEND_DATA
	}

	var disposition uint32
	switch {
	case flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		disposition = windows.CREATE_NEW
	case flags&(os.O_CREATE|os.O_TRUNC) == os.O_CREATE|os.O_TRUNC:
		disposition = windows.CREATE_ALWAYS
	case flags&os.O_CREATE == os.O_CREATE:
		disposition = windows.OPEN_ALWAYS
	case flags&os.O_TRUNC == os.O_TRUNC:
		disposition = windows.TRUNCATE_EXISTING
	default:
		disposition = windows.OPEN_EXISTING
	}

	attrs := uint32(windows.FILE_ATTRIBUTE_NORMAL)
	if mode&0o200 == 0 && flags&os.O_CREATE != 0 {
		attrs = windows.FILE_ATTRIBUTE_READONLY
	}
	share := uint32(windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE | windows.FILE_SHARE_DELETE)
	h, err := windows.CreateFile(name, access, share, inheritable(), disposition, attrs, 0)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return fs.Handle(h), nil
}

func (k *windowsKernel) OpenDir(dir fs.Handle, path string) (fs.Handle, error) {
	path, err := k.resolve(dir, path)
	if err != nil {
		return fs.InvalidHandle, err
	}
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fs.InvalidHandle, err
	}
	share := uint32(windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE | windows.FILE_SHARE_DELETE)
	h, err := windows.CreateFile(name, windows.GENERIC_READ, share, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return fs.Handle(h), nil
}

func (k *windowsKernel) Close(h fs.Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (k *windowsKernel) DirPath(h fs.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetFinalPathNameByHandle(windows.Handle(h), &buf[0], uint32(len(buf)), fileNameNormalized|volumeNameDOS)
	if err != nil {
		return "", errors.Wrapf(err, "resolve directory handle %d", h)
	}
	if int(n) > len(buf) {
		return "", syscall.ENAMETOOLONG
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func (k *windowsKernel) NullDevice() string {
	return nulDevice
}

func (k *windowsKernel) SignalMask() Sigset {
	return 0
}

func (k *windowsKernel) Pid() common.PID {
	return common.PID(windows.GetCurrentProcessId())
}

func (k *windowsKernel) ParentPid() common.PID {
	return common.PID(os.Getppid())
}

func environmentBlock(env []string) ([]uint16, error) {
	var block []uint16
	for _, kv := range env {
		if strings.IndexByte(kv, 0) != -1 {
			return nil, syscall.EINVAL
		}
		block = append(block, windows.StringToUTF16(kv)...)
	}
	if len(block) == 0 {
		block = append(block, 0)
	}
	return append(block, 0), nil
}

func (k *windowsKernel) CreateProcess(req *CreateRequest) (*Created, error) {
	appName, err := windows.UTF16PtrFromString(req.Path)
	if err != nil {
		return nil, err
	}
	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(req.Argv))
	if err != nil {
		return nil, err
	}
	var dir *uint16
	if req.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(req.Dir); err != nil {
			return nil, err
		}
	}
	env, err := environmentBlock(req.Env)
	if err != nil {
		return nil, err
	}

	si := new(windows.StartupInfoEx)
	si.Cb = uint32(unsafe.Sizeof(*si))
	si.Flags = windows.STARTF_USESTDHANDLES
	stdio := [3]*windows.Handle{&si.StdInput, &si.StdOutput, &si.StdErr}
	for i, h := range req.Stdio {
		if h != fs.InvalidHandle {
			*stdio[i] = windows.Handle(h)
		}
	}

	attrs, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		return nil, err
	}
	defer attrs.Delete()
	handles := make([]windows.Handle, len(req.Inherit))
	for i, h := range req.Inherit {
		handles[i] = windows.Handle(h)
	}
	if len(handles) > 0 {
		err := attrs.Update(windows.PROC_THREAD_ATTRIBUTE_HANDLE_LIST, unsafe.Pointer(&handles[0]), uintptr(len(handles))*unsafe.Sizeof(handles[0]))
		if err != nil {
			return nil, err
		}
	}
	si.ProcThreadAttributeList = attrs.List()

	flags := uint32(windows.CREATE_UNICODE_ENVIRONMENT | windows.EXTENDED_STARTUPINFO_PRESENT)
	if req.Flags&CreateNewProcessGroup != 0 {
		flags |= windows.CREATE_NEW_PROCESS_GROUP
	}
	pi := new(windows.ProcessInformation)
	err = windows.CreateProcess(appName, cmdLine, nil, nil, len(handles) > 0, flags, &env[0], dir, &si.StartupInfo, pi)
	if err != nil {
		return nil, err
	}
	return &Created{
		Pid:     common.PID(pi.ProcessId),
		Process: fs.Handle(pi.Process),
		Thread:  fs.Handle(pi.Thread),
	}, nil
}
