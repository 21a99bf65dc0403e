//go:build linux && (amd64 || arm64)

package spawn

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sigsetSize = 8
	sigDFL     = 0
	sigIGN     = 1
	childExit  = 127
)

var atFDCWD = unix.AT_FDCWD

// kernelSigaction is the kernel's struct sigaction on amd64 and arm64.
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

type schedParam struct {
	priority int32
}

type rlimit64 struct {
	cur, max uint64
}

type childRlimit struct {
	resource  uintptr
	limit     rlimit64
	tolerated syscall.Errno
}

type childAction struct {
	kind  ActionKind
	fd    int
	newfd int
	path  *byte
	flags int
	mode  uint32
}

// forkArgs holds everything the child needs, converted before the fork so the child never allocates.
type forkArgs struct {
	cloneFlags uintptr
	path       *byte
	argv       []*byte
	envv       []*byte

	flags       Flags
	sigDefault  uint64
	mask        uint64
	pgroup      int
	schedPolicy int
	schedParam  schedParam
	actions     []childAction
	rlimits     []childRlimit

	// pipe is the write end of the error relay, or -1 to report through status.
	pipe     int
	pipeRead int
	// ran and status point into memory shared with the child.
	ran    *uint32
	status *int32
}

// forkExec duplicates the process. The child configures itself and execs, touching only raw syscalls and the args.
//
//go:norace
//go:noinline
//go:nocheckptr
func forkExec(a *forkArgs) (pid uintptr, err1 syscall.Errno) {
	beforeFork()
	pid, _, err1 = syscall.RawSyscall6(unix.SYS_CLONE, a.cloneFlags, 0, 0, 0, 0, 0)
	if err1 != 0 || pid != 0 {
		afterFork()
		return
	}

	afterForkInChild()
	// child: no Go function calls from here on
	*a.ran = 1

	blockAll := ^uint64(0)
	syscall.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK, uintptr(unsafe.Pointer(&blockAll)), 0, sigsetSize, 0, 0)

	if a.pipeRead >= 0 {
		syscall.RawSyscall(unix.SYS_CLOSE, uintptr(a.pipeRead), 0, 0)
	}

	var old, dfl kernelSigaction
	for sig := uintptr(1); sig <= maxSignal; sig++ {
		if _, _, e := syscall.RawSyscall6(unix.SYS_RT_SIGACTION, sig, 0, uintptr(unsafe.Pointer(&old)), sigsetSize, 0, 0); e != 0 {
			continue
		}
		if old.handler == sigDFL {
			continue
		}
		if old.handler == sigIGN && (a.flags&SetSigDefault == 0 || a.sigDefault&(1<<(sig-1)) == 0) {
			continue
		}
		syscall.RawSyscall6(unix.SYS_RT_SIGACTION, sig, uintptr(unsafe.Pointer(&dfl)), 0, sigsetSize, 0, 0)
	}

	if a.flags&SetSid != 0 {
		syscall.RawSyscall(unix.SYS_SETSID, 0, 0, 0)
	}
	if a.flags&SetPgroup != 0 {
		if _, _, e := syscall.RawSyscall(unix.SYS_SETPGID, 0, uintptr(a.pgroup), 0); e != 0 {
			childFail(a, e)
		}
	}
	if a.flags&ResetIDs != 0 {
		gid, _, _ := syscall.RawSyscall(unix.SYS_GETGID, 0, 0, 0)
		if _, _, e := syscall.RawSyscall(unix.SYS_SETGID, gid, 0, 0); e != 0 {
			childFail(a, e)
		}
		uid, _, _ := syscall.RawSyscall(unix.SYS_GETUID, 0, 0, 0)
		if _, _, e := syscall.RawSyscall(unix.SYS_SETUID, uid, 0, 0); e != 0 {
			childFail(a, e)
		}
	}

	for i := range a.actions {
		act := &a.actions[i]
		if a.pipe >= 0 && (act.fd == a.pipe || (act.kind == ActionDup2 && act.newfd == a.pipe)) {
			moved, _, e := syscall.RawSyscall(unix.SYS_FCNTL, uintptr(a.pipe), unix.F_DUPFD_CLOEXEC, 0)
			if e != 0 {
				childFail(a, e)
			}
			syscall.RawSyscall(unix.SYS_CLOSE, uintptr(a.pipe), 0, 0)
			a.pipe = int(moved)
		}
		switch act.kind {
		case ActionClose:
			syscall.RawSyscall(unix.SYS_CLOSE, uintptr(act.fd), 0, 0)
		case ActionDup2:
			if act.fd == act.newfd {
				if _, _, e := syscall.RawSyscall(unix.SYS_FCNTL, uintptr(act.fd), unix.F_SETFD, 0); e != 0 {
					childFail(a, e)
				}
			} else if _, _, e := syscall.RawSyscall(unix.SYS_DUP3, uintptr(act.fd), uintptr(act.newfd), 0); e != 0 {
				childFail(a, e)
			}
		case ActionOpen:
			fd, _, e := syscall.RawSyscall6(unix.SYS_OPENAT, uintptr(atFDCWD), uintptr(unsafe.Pointer(act.path)), uintptr(act.flags), uintptr(act.mode), 0, 0)
			if e != 0 {
				childFail(a, e)
			}
			if int(fd) != act.fd {
				_, _, e = syscall.RawSyscall(unix.SYS_DUP3, fd, uintptr(act.fd), 0)
				syscall.RawSyscall(unix.SYS_CLOSE, fd, 0, 0)
				if e != 0 {
					childFail(a, e)
				}
			}
		case ActionChdir:
			if _, _, e := syscall.RawSyscall(unix.SYS_CHDIR, uintptr(unsafe.Pointer(act.path)), 0, 0); e != 0 {
				childFail(a, e)
			}
		case ActionFchdir:
			if _, _, e := syscall.RawSyscall(unix.SYS_FCHDIR, uintptr(act.fd), 0, 0); e != 0 {
				childFail(a, e)
			}
		}
	}

	if a.flags&SetScheduler != 0 {
		if _, _, e := syscall.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(a.schedPolicy), uintptr(unsafe.Pointer(&a.schedParam))); e != 0 {
			childFail(a, e)
		}
	}
	if a.flags&SetSchedParam != 0 {
		if _, _, e := syscall.RawSyscall(unix.SYS_SCHED_SETPARAM, 0, uintptr(unsafe.Pointer(&a.schedParam)), 0); e != 0 {
			childFail(a, e)
		}
	}
	for i := range a.rlimits {
		r := &a.rlimits[i]
		if _, _, e := syscall.RawSyscall6(unix.SYS_PRLIMIT64, 0, r.resource, uintptr(unsafe.Pointer(&r.limit)), 0, 0, 0); e != 0 && e != r.tolerated {
			childFail(a, e)
		}
	}

	syscall.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK, uintptr(unsafe.Pointer(&a.mask)), 0, sigsetSize, 0, 0)

	_, _, err1 = syscall.RawSyscall(unix.SYS_EXECVE, uintptr(unsafe.Pointer(a.path)), uintptr(unsafe.Pointer(&a.argv[0])), uintptr(unsafe.Pointer(&a.envv[0])))
	childFail(a, err1)
	return
}

// childFail reports err to the parent and exits without running any Go code.
//
//go:nosplit
//go:norace
func childFail(a *forkArgs, err syscall.Errno) {
	code := int32(err)
	if a.pipe >= 0 {
		syscall.RawSyscall(unix.SYS_WRITE, uintptr(a.pipe), uintptr(unsafe.Pointer(&code)), unsafe.Sizeof(code))
	} else {
		*a.status = code
	}
	for {
		syscall.RawSyscall(unix.SYS_EXIT_GROUP, childExit, 0, 0)
	}
}
