package vkernel

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	minHandle  = 0x40
	consoleDev = "/dev/console"
)

// object is what a handle refers to. Duplicated handles share one object.
type object struct {
	path string
	kind fs.Kind
	file hackpadfs.File
	proc common.PID
	refs int
}

type handleKey struct {
	owner  common.PID
	handle fs.Handle
}

// Kernel is an in-memory process-creation kernel: files live in a hackpadfs memory filesystem and processes are records.
type Kernel struct {
	mu      sync.Mutex
	fs      *mem.FS
	handles map[handleKey]*object
	procs   map[common.PID]*Process
	files   *fs.FileDescriptors

	pid, ppid  common.PID
	cwd        string
	mask       spawn.Sigset
	verbatim   bool
	createHook func(*spawn.CreateRequest) error

	lastHandle *atomic.Uint64
	lastPID    *atomic.Int64
}

var _ spawn.Kernel = &Kernel{}

type Option func(*Kernel)

func WithPID(pid, ppid common.PID) Option {
	return func(k *Kernel) {
		k.pid, k.ppid = pid, ppid
	}
}

func WithSignalMask(mask spawn.Sigset) Option {
	return func(k *Kernel) {
		k.mask = mask
	}
}

func WithWorkingDirectory(wd string) Option {
	return func(k *Kernel) {
		k.cwd = wd
	}
}

// WithVerbatimPaths makes DirPath return paths with a \\?\ prefix.
func WithVerbatimPaths() Option {
	return func(k *Kernel) {
		k.verbatim = true
	}
}

// WithCreateHook runs hook before each process is created. A non-nil error fails the creation.
func WithCreateHook(hook func(*spawn.CreateRequest) error) Option {
	return func(k *Kernel) {
		k.createHook = hook
	}
}

// New returns a kernel whose own process has the console open on descriptors 0, 1 and 2.
func New(options ...Option) (*Kernel, error) {
	memFS, err := mem.NewFS()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		fs:         memFS,
		handles:    make(map[handleKey]*object),
		procs:      make(map[common.PID]*Process),
		files:      fs.NewFileDescriptors(),
		pid:        100,
		ppid:       1,
		cwd:        "/",
		lastHandle: atomic.NewUint64(minHandle),
	}
	for _, option := range options {
		option(k)
	}
	k.lastPID = atomic.NewInt64(int64(k.pid))

	for _, dir := range []string{"dev", "tmp", "bin", strings.TrimPrefix(k.cwd, "/")} {
		if dir == "" {
			continue
		}
		if err := hackpadfs.MkdirAll(k.fs, dir, 0755); err != nil {
			return nil, err
		}
	}
	if err := k.WriteFile(consoleDev, nil, 0620); err != nil {
		return nil, err
	}
	for fd, flags := range []int{os.O_RDONLY, os.O_WRONLY, os.O_WRONLY} {
		h, err := k.Open(fs.CurrentDirectory, consoleDev, flags, 0)
		if err != nil {
			return nil, err
		}
		if err := k.files.Set(fd, fs.Descriptor{Kind: fs.KindDevice, Flags: flags, Handle: h}); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Files is the kernel's own process descriptor table.
func (k *Kernel) Files() *fs.FileDescriptors {
	return k.files
}

func (k *Kernel) abs(dir string, p string) string {
	return common.AbsPath(common.ResolvePath(dir, p))
}

func (k *Kernel) newHandle(owner common.PID, obj *object) fs.Handle {
	h := fs.Handle(k.lastHandle.Inc())
	obj.refs++
	k.handles[handleKey{owner: owner, handle: h}] = obj
	return h
}

func (k *Kernel) lookup(owner common.PID, h fs.Handle) (*object, error) {
	obj, ok := k.handles[handleKey{owner: owner, handle: h}]
	if !ok {
		return nil, errors.Wrapf(syscall.EBADF, "no handle %d in process %s", h, owner)
	}
	return obj, nil
}

func (k *Kernel) release(key handleKey) error {
	obj, ok := k.handles[key]
	if !ok {
		return errors.Wrapf(syscall.EBADF, "no handle %d in process %s", key.handle, key.owner)
	}
	delete(k.handles, key)
	obj.refs--
	if obj.refs == 0 && obj.file != nil {
		return obj.file.Close()
	}
	return nil
}

// baseDir resolves a directory handle for relative lookups.
func (k *Kernel) baseDir(dir fs.Handle) (string, error) {
	if dir == fs.CurrentDirectory {
		return k.cwd, nil
	}
	obj, err := k.lookup(k.pid, dir)
	if err != nil {
		return "", err
	}
	if obj.kind != fs.KindDirectory {
		return "", syscall.ENOTDIR
	}
	return obj.path, nil
}

func (k *Kernel) Dup(h fs.Handle) (fs.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, err := k.lookup(k.pid, h)
	if err != nil {
		return fs.InvalidHandle, err
	}
	return k.newHandle(k.pid, obj), nil
}

func (k *Kernel) Open(dir fs.Handle, p string, flags int, mode uint32) (fs.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	base, err := k.baseDir(dir)
	if err != nil {
		return fs.InvalidHandle, err
	}
	name := k.abs(base, p)
	if name == fs.DevNull {
		return k.newHandle(k.pid, &object{path: name, kind: fs.KindNull, file: fs.NewNullFile(name)}), nil
	}
	file, err := hackpadfs.OpenFile(k.fs, common.ResolvePath("/", name), flags&^syscall.O_CLOEXEC, os.FileMode(mode))
	if err != nil {
		return fs.InvalidHandle, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fs.InvalidHandle, err
	}
	kind := fs.KindFile
	switch {
	case info.IsDir():
		kind = fs.KindDirectory
	case strings.HasPrefix(name, "/dev/"):
		kind = fs.KindDevice
	}
	return k.newHandle(k.pid, &object{path: name, kind: kind, file: file}), nil
}

func (k *Kernel) OpenDir(dir fs.Handle, p string) (fs.Handle, error) {
	h, err := k.Open(dir, p, os.O_RDONLY, 0)
	if err != nil {
		return fs.InvalidHandle, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, _ := k.lookup(k.pid, h)
	if obj.kind != fs.KindDirectory {
		_ = k.release(handleKey{owner: k.pid, handle: h})
		return fs.InvalidHandle, syscall.ENOTDIR
	}
	return h, nil
}

func (k *Kernel) Close(h fs.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.release(handleKey{owner: k.pid, handle: h})
}

func (k *Kernel) DirPath(h fs.Handle) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, err := k.lookup(k.pid, h)
	if err != nil {
		return "", err
	}
	if obj.kind != fs.KindDirectory {
		return "", syscall.ENOTDIR
	}
	if k.verbatim {
		return `\\?\` + obj.path, nil
	}
	return obj.path, nil
}

func (k *Kernel) NullDevice() string {
	return fs.DevNull
}

func (k *Kernel) SignalMask() spawn.Sigset {
	return k.mask
}

func (k *Kernel) Pid() common.PID {
	return k.pid
}

func (k *Kernel) ParentPid() common.PID {
	return k.ppid
}

// HandlePath names the object behind one of the kernel's own handles.
func (k *Kernel) HandlePath(h fs.Handle) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, err := k.lookup(k.pid, h)
	if err != nil {
		return "", err
	}
	return obj.path, nil
}

// OpenHandles counts the handles held by owner.
func (k *Kernel) OpenHandles(owner common.PID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	count := 0
	for key := range k.handles {
		if key.owner == owner {
			count++
		}
	}
	return count
}

// OpenFD opens name in the kernel's own process at its lowest free descriptor.
func (k *Kernel) OpenFD(name string, flags int, perm os.FileMode, closeOnExec bool) (int, error) {
	h, err := k.Open(fs.CurrentDirectory, name, flags, uint32(perm))
	if err != nil {
		return -1, err
	}
	k.mu.Lock()
	kind := k.handles[handleKey{owner: k.pid, handle: h}].kind
	k.mu.Unlock()
	return k.files.Next(fs.Descriptor{
		Kind:        kind,
		Flags:       flags,
		Mode:        uint32(perm),
		Handle:      h,
		CloseOnExec: closeOnExec,
	}), nil
}

// CloseFD closes a descriptor of the kernel's own process.
func (k *Kernel) CloseFD(fd int) error {
	d, err := k.files.Close(fd)
	if err != nil {
		return err
	}
	return k.Close(d.Handle)
}

func (k *Kernel) WriteFile(name string, data []byte, perm os.FileMode) error {
	fsPath := common.ResolvePath(k.cwd, name)
	file, err := hackpadfs.OpenFile(k.fs, fsPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer file.Close()
	if len(data) > 0 {
		w, ok := file.(io.Writer)
		if !ok {
			return errors.Errorf("file %s is not writable", name)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return hackpadfs.Chmod(k.fs, fsPath, perm)
}

func (k *Kernel) ReadFile(name string) ([]byte, error) {
	file, err := hackpadfs.OpenFile(k.fs, common.ResolvePath(k.cwd, name), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (k *Kernel) Mkdir(name string, perm os.FileMode) error {
	return hackpadfs.MkdirAll(k.fs, common.ResolvePath(k.cwd, name), perm)
}

func (k *Kernel) String() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fmt.Sprintf("vkernel pid=%s handles=%d processes=%d", k.pid, len(k.handles), len(k.procs))
}

func debugf(format string, args ...interface{}) {
	log.Debugf("vkernel: "+format, args...)
}
