//go:build linux

package fs

import (
	"os"
	"sort"
	"strconv"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/log"
	"golang.org/x/sys/unix"
)

const selfFDDir = "/proc/self/fd"

type osTable struct{}

// OSTable is this process's real descriptor table.
func OSTable() Table {
	return osTable{}
}

func (osTable) Snapshot() []Descriptor {
	// ForkLock is held for writing while descriptors are created without O_CLOEXEC
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fds, err := listDescriptors()
	if err != nil {
		log.Warnf("Failed to list %s, only probing stdio: %v", selfFDDir, err)
		fds = []int{0, 1, 2}
	}
	if len(fds) == 0 {
		return nil
	}
	snapshot := make([]Descriptor, fds[len(fds)-1]+1)
	for _, fd := range fds {
		if d, ok := describe(fd); ok {
			snapshot[fd] = d
		}
	}
	return snapshot
}

func (osTable) Lookup(fd int) (Descriptor, bool) {
	if fd < 0 {
		return Descriptor{}, false
	}
	return describe(fd)
}

func listDescriptors() ([]int, error) {
	entries, err := os.ReadDir(selfFDDir)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 0, len(entries))
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err == nil {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)
	return fds, nil
}

// describe skips descriptors closed since listing, including the one ReadDir used.
func describe(fd int) (Descriptor, bool) {
	fdFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return Descriptor{}, false
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return Descriptor{}, false
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Descriptor{}, false
	}
	return Descriptor{
		Kind:        kindOf(st.Mode),
		Flags:       flags,
		Mode:        st.Mode & 0o7777,
		Handle:      Handle(fd),
		CloseOnExec: fdFlags&unix.FD_CLOEXEC != 0,
	}, true
}

func kindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return KindDirectory
	case unix.S_IFIFO:
		return KindPipe
	case unix.S_IFSOCK:
		return KindSocket
	case unix.S_IFCHR, unix.S_IFBLK:
		return KindDevice
	default:
		return KindFile
	}
}
