//go:build linux && (amd64 || arm64)

package spawn

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// forkDriver configures a duplicate of the caller in place, then execs.
type forkDriver struct {
	tolerated [RlimitCount]syscall.Errno
}

func newForkDriver() *forkDriver {
	return &forkDriver{tolerated: hostToleratedRlimitErrors()}
}

func (d *forkDriver) prepare(path string, actions *Actions, attr *Attributes, argv, env []string) (*forkArgs, error) {
	var err error
	a := &forkArgs{
		flags:    attr.flags(),
		pipe:     -1,
		pipeRead: -1,
	}
	if a.path, err = syscall.BytePtrFromString(path); err != nil {
		return nil, err
	}
	if a.argv, err = syscall.SlicePtrFromStrings(argv); err != nil {
		return nil, err
	}
	if a.envv, err = syscall.SlicePtrFromStrings(env); err != nil {
		return nil, err
	}
	for _, action := range actions.List() {
		ca := childAction{
			kind:  action.Kind,
			fd:    action.FD,
			newfd: -1,
			flags: action.Flags,
			mode:  action.Mode,
		}
		switch action.Kind {
		case ActionDup2:
			ca.newfd = action.NewFD
		case ActionOpen, ActionChdir:
			if ca.path, err = syscall.BytePtrFromString(action.Path); err != nil {
				return nil, err
			}
		}
		if action.Kind == ActionChdir {
			ca.fd = -1
		}
		a.actions = append(a.actions, ca)
	}
	if attr != nil {
		a.sigDefault = uint64(attr.SigDefault)
		a.pgroup = attr.Pgroup
		a.schedPolicy = attr.SchedPolicy
		a.schedParam.priority = int32(attr.SchedPriority)
		if a.flags&SetRlimit != 0 {
			for _, res := range attr.Rlimits() {
				limit, _ := attr.Rlimit(res)
				a.rlimits = append(a.rlimits, childRlimit{
					resource:  uintptr(res),
					limit:     rlimit64{cur: limit.Cur, max: limit.Max},
					tolerated: d.tolerated[res],
				})
			}
		}
	}
	return a, nil
}

func (d *forkDriver) spawn(path string, actions *Actions, attr *Attributes, argv, env []string) (common.PID, error) {
	args, err := d.prepare(path, actions, attr, argv, env)
	if err != nil {
		return 0, err
	}

	page, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(err, "map status page")
	}
	defer func() {
		if err := unix.Munmap(page); err != nil {
			log.Warnf("Failed to unmap status page: %v", err)
		}
	}()
	args.ran = (*uint32)(unsafe.Pointer(&page[0]))
	args.status = (*int32)(unsafe.Pointer(&page[4]))

	useFork := args.flags&UseFork != 0
	usePipe := useFork || !fastDuplication.Load()
	args.cloneFlags = cloneFlags(useFork)

	// Signals stay blocked on this thread until the child is exec'd or reaped.
	// The runtime's fork hooks save and restore the blocked mask, not the caller's.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var all, old unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &all, &old); err != nil {
		return 0, errors.Wrap(err, "block signals")
	}
	defer func() {
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil); err != nil {
			log.Warnf("Failed to restore signal mask: %v", err)
		}
	}()
	args.mask = uint64(attr.childMask(Sigset(old.Val[0])))

	var p [2]int
	syscall.ForkLock.Lock()
	if usePipe {
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
			syscall.ForkLock.Unlock()
			return 0, err
		}
		args.pipeRead, args.pipe = p[0], p[1]
	}
	pid, errno1 := forkExec(args)
	syscall.ForkLock.Unlock()
	suspended := !useFork && atomic.LoadUint32(args.ran) == 1

	if usePipe {
		unix.Close(p[1])
		defer unix.Close(p[0])
	}
	if errno1 != 0 {
		return 0, errno1
	}

	var code syscall.Errno
	if usePipe {
		code = readChildErrno(p[0])
	} else {
		code = syscall.Errno(atomic.LoadInt32(args.status))
	}
	if code != 0 {
		reap(int(pid))
		return 0, code
	}
	if suspended && !fastDuplication.Load() {
		log.Debug("Kernel suspends parent during clone, dropping error pipe")
		fastDuplication.Store(true)
	}
	return common.PID(pid), nil
}

// cloneFlags picks full duplication or a suspended parent. The child never shares the
// address space: with CLONE_VM it would return from clone onto the parent's stack frame.
func cloneFlags(useFork bool) uintptr {
	flags := uintptr(syscall.SIGCHLD)
	if !useFork {
		flags |= unix.CLONE_VFORK
	}
	return flags
}

// readChildErrno returns the child's reported error, or 0 when the pipe closed on exec.
func readChildErrno(fd int) syscall.Errno {
	var buf [4]byte
	n := 0
	for n < len(buf) {
		m, err := unix.Read(fd, buf[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if e, ok := err.(syscall.Errno); ok {
				return e
			}
			return syscall.EIO
		}
		if m == 0 {
			break
		}
		n += m
	}
	switch n {
	case 0:
		return 0
	case len(buf):
		return syscall.Errno(*(*int32)(unsafe.Pointer(&buf[0])))
	default:
		return syscall.EPIPE
	}
}

// reap waits for a child that failed before exec, so it does not linger as a zombie.
func reap(pid int) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err != unix.EINTR {
			if err != nil {
				log.Warnf("Failed to reap failed child %d: %v", pid, err)
			}
			return
		}
	}
}
