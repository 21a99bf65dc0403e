package vkernel

import (
	"fmt"
	"io"
	"path"
	"syscall"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
)

// Process is a child created by the kernel. Its descriptor table is rebuilt from the sideband in its environment.
type Process struct {
	PID       common.PID
	ParentPID common.PID
	Path      string
	Argv      []string
	Env       []string
	Dir       string
	Flags     spawn.CreationFlags
	Files     *fs.FileDescriptors
	Sideband  *spawn.Sideband
	Inherited []fs.Handle

	kernel *Kernel
}

func (p *Process) String() string {
	return fmt.Sprintf("PID=%s, PPID=%s, Command=%v, Dir=%s, Files:\n%v", p.PID, p.ParentPID, p.Argv, p.Dir, p.Files)
}

func (p *Process) object(fd int) (*object, error) {
	d, ok := p.Files.Lookup(fd)
	if !ok {
		return nil, errors.Wrapf(syscall.EBADF, "process %s has no descriptor %d", p.PID, fd)
	}
	p.kernel.mu.Lock()
	defer p.kernel.mu.Unlock()
	return p.kernel.lookup(p.PID, d.Handle)
}

// FDPath names the object behind the child's descriptor fd.
func (p *Process) FDPath(fd int) (string, error) {
	obj, err := p.object(fd)
	if err != nil {
		return "", err
	}
	return obj.path, nil
}

// Write writes to the child's descriptor fd as the child would.
func (p *Process) Write(fd int, data []byte) (int, error) {
	obj, err := p.object(fd)
	if err != nil {
		return 0, err
	}
	w, ok := obj.file.(io.Writer)
	if !ok {
		return 0, syscall.EBADF
	}
	return w.Write(data)
}

// CreateProcess validates the request completely before creating anything, then records the child.
func (k *Kernel) CreateProcess(req *spawn.CreateRequest) (*spawn.Created, error) {
	if k.createHook != nil {
		if err := k.createHook(req); err != nil {
			return nil, err
		}
	}
	if err := k.checkExecutable(req.Path); err != nil {
		return nil, err
	}
	dir := k.cwd
	if req.Dir != "" {
		if !path.IsAbs(req.Dir) {
			return nil, errors.Wrapf(syscall.ENOENT, "working directory %q", req.Dir)
		}
		info, err := hackpadfs.Stat(k.fs, common.ResolvePath("/", req.Dir))
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, syscall.ENOTDIR
		}
		dir = req.Dir
	}
	sideband, err := spawn.Inherited(req.Env)
	if err != nil {
		return nil, errors.Wrap(syscall.EINVAL, err.Error())
	}
	if sideband == nil {
		return nil, errors.Wrap(syscall.EINVAL, "no descriptor sideband")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	inherit := make(map[fs.Handle]bool, len(req.Inherit))
	for _, h := range req.Inherit {
		if _, err := k.lookup(k.pid, h); err != nil {
			return nil, err
		}
		inherit[h] = true
	}
	for fd, d := range sideband.Descriptors {
		if !d.Empty() && !inherit[d.Handle] {
			return nil, errors.Wrapf(syscall.EBADF, "descriptor %d handle %d is not inheritable", fd, d.Handle)
		}
	}
	for fd, h := range req.Stdio {
		var expect fs.Handle = fs.InvalidHandle
		if fd < len(sideband.Descriptors) && !sideband.Descriptors[fd].Empty() {
			expect = sideband.Descriptors[fd].Handle
		}
		if h != expect {
			return nil, errors.Wrapf(syscall.EINVAL, "standard handle %d is %d, descriptor table says %d", fd, h, expect)
		}
	}

	pid := common.PID(k.lastPID.Inc())
	files := fs.NewFileDescriptors()
	for fd, d := range sideband.Descriptors {
		if d.Empty() {
			continue
		}
		obj := k.handles[handleKey{owner: k.pid, handle: d.Handle}]
		obj.refs++
		k.handles[handleKey{owner: pid, handle: d.Handle}] = obj
		if err := files.Set(fd, d); err != nil {
			return nil, err
		}
	}
	proc := &Process{
		PID:       pid,
		ParentPID: k.pid,
		Path:      req.Path,
		Argv:      append([]string(nil), req.Argv...),
		Env:       append([]string(nil), req.Env...),
		Dir:       dir,
		Flags:     req.Flags,
		Files:     files,
		Sideband:  sideband,
		Inherited: append([]fs.Handle(nil), req.Inherit...),
		kernel:    k,
	}
	k.procs[pid] = proc
	processHandle := k.newHandle(k.pid, &object{path: "process:" + pid.String(), proc: pid})
	threadHandle := k.newHandle(k.pid, &object{path: "thread:" + pid.String(), proc: pid})
	debugf("created %s: %v", pid, req.Argv)
	return &spawn.Created{Pid: pid, Process: processHandle, Thread: threadHandle}, nil
}

func (k *Kernel) Process(pid common.PID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	proc, ok := k.procs[pid]
	return proc, ok
}

// Processes counts children that have not been waited for.
func (k *Kernel) Processes() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// Wait ends the child and releases every handle it held.
func (k *Kernel) Wait(pid common.PID) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	proc, ok := k.procs[pid]
	if !ok {
		return nil, syscall.ECHILD
	}
	delete(k.procs, pid)
	for key := range k.handles {
		if key.owner == pid {
			if err := k.release(key); err != nil {
				return proc, err
			}
		}
	}
	return proc, nil
}
