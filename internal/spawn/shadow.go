package spawn

import (
	"syscall"

	"github.com/hack-pad/hackspawn/internal/errno"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/log"
)

const maxDescriptors = 1 << 16

const (
	devStdin  = "/dev/stdin"
	devStdout = "/dev/stdout"
	devStderr = "/dev/stderr"
)

type shadowEntry struct {
	fs.Descriptor
	// owned handles were created by this attempt and are in its closer
	owned bool
}

// shadowTable simulates the child's descriptor table. Empty entries fall through to the real table.
type shadowTable struct {
	kernel  Kernel
	table   fs.Table
	closer  *Closer
	entries []shadowEntry
	dir     fs.Handle
}

func newShadowTable(kernel Kernel, table fs.Table, closer *Closer) (*shadowTable, error) {
	s := &shadowTable{
		kernel: kernel,
		table:  table,
		closer: closer,
		dir:    fs.CurrentDirectory,
	}
	snapshot := table.Snapshot()
	for fd := len(snapshot) - 1; fd >= 0; fd-- {
		d := snapshot[fd]
		if d.Empty() || d.CloseOnExec {
			continue
		}
		if err := s.ensure(fd); err != nil {
			return nil, err
		}
		s.entries[fd] = shadowEntry{Descriptor: d}
	}
	return s, nil
}

func (s *shadowTable) ensure(fd int) error {
	if fd < 0 || fd >= maxDescriptors {
		return errno.BadFileNumber(fd)
	}
	if fd < len(s.entries) {
		return nil
	}
	grown := make([]shadowEntry, fd+1)
	copy(grown, s.entries)
	s.entries = grown
	return nil
}

func (s *shadowTable) exists(fd int) bool {
	return fd >= 0 && fd < len(s.entries) && !s.entries[fd].Empty()
}

func (s *shadowTable) lookup(fd int) (fs.Descriptor, bool) {
	if s.exists(fd) {
		return s.entries[fd].Descriptor, true
	}
	return s.table.Lookup(fd)
}

// store replaces the entry at fd, closing the old handle early if this attempt owns it.
func (s *shadowTable) store(fd int, entry shadowEntry) {
	old := s.entries[fd]
	s.entries[fd] = entry
	if old.owned && old.Handle != s.dir && s.closer.Take(old.Handle) {
		if err := s.kernel.Close(old.Handle); err != nil {
			log.Warnf("Failed to close replaced handle %d: %v", old.Handle, err)
		}
	}
}

func (s *shadowTable) close(fd int) error {
	if s.exists(fd) {
		s.store(fd, shadowEntry{})
	}
	return nil
}

func (s *shadowTable) dup2(fd, newfd int) error {
	old, ok := s.lookup(fd)
	if !ok {
		return errno.BadFileNumber(fd)
	}
	if err := s.ensure(newfd); err != nil {
		return err
	}
	h, err := s.kernel.Dup(old.Handle)
	if err != nil {
		log.Debugf("dup %d: %v", old.Handle, err)
		return syscall.EMFILE
	}
	s.closer.Add(h)
	neu := old
	neu.Handle = h
	neu.Flags &^= syscall.O_CLOEXEC
	neu.CloseOnExec = false
	s.store(newfd, shadowEntry{Descriptor: neu, owned: true})
	return nil
}

func (s *shadowTable) open(path string, flags int, mode uint32, fd int) error {
	kind := fs.KindFile
	switch path {
	case devStdin:
		return s.dup2(0, fd)
	case devStdout:
		return s.dup2(1, fd)
	case devStderr:
		return s.dup2(2, fd)
	case fs.DevNull:
		path = s.kernel.NullDevice()
		kind = fs.KindNull
	}
	if err := s.ensure(fd); err != nil {
		return err
	}
	h, err := s.kernel.Open(s.dir, path, flags, mode)
	if err != nil {
		return err
	}
	s.closer.Add(h)
	s.store(fd, shadowEntry{
		Descriptor: fs.Descriptor{
			Kind:        kind,
			Flags:       flags,
			Mode:        mode,
			Handle:      h,
			CloseOnExec: flags&syscall.O_CLOEXEC != 0,
		},
		owned: true,
	})
	return nil
}

func (s *shadowTable) chdir(path string) error {
	h, err := s.kernel.OpenDir(s.dir, path)
	if err != nil {
		return err
	}
	s.closer.Add(h)
	s.dir = h
	return nil
}

func (s *shadowTable) fchdir(fd int) error {
	d, ok := s.lookup(fd)
	if !ok {
		return errno.BadFileNumber(fd)
	}
	s.dir = d.Handle
	return nil
}

// replay applies actions in order, stopping at the first failure.
func (s *shadowTable) replay(actions []Action) error {
	for i, a := range actions {
		var err error
		switch a.Kind {
		case ActionClose:
			err = s.close(a.FD)
		case ActionDup2:
			err = s.dup2(a.FD, a.NewFD)
		case ActionOpen:
			err = s.open(a.Path, a.Flags, a.Mode, a.FD)
		case ActionChdir:
			err = s.chdir(a.Path)
		case ActionFchdir:
			err = s.fchdir(a.FD)
		default:
			err = syscall.EINVAL
		}
		log.Debugf("shadow %s → %v", a, errno.From(err))
		if err != nil {
			return &replayError{index: i, action: a, err: err}
		}
	}
	return nil
}

// describe gives the attempt its own inheritable handle for every descriptor the child keeps.
// It returns the child's table, its stdio handles and the handles it inherits.
func (s *shadowTable) describe() ([]fs.Descriptor, [3]fs.Handle, []fs.Handle, error) {
	stdio := [3]fs.Handle{fs.InvalidHandle, fs.InvalidHandle, fs.InvalidHandle}
	var inherit []fs.Handle
	seen := make(map[fs.Handle]bool)
	table := make([]fs.Descriptor, len(s.entries))
	for fd := range s.entries {
		entry := &s.entries[fd]
		if entry.Empty() || entry.CloseOnExec {
			continue
		}
		if !entry.owned {
			h, err := s.kernel.Dup(entry.Handle)
			if err != nil {
				log.Debugf("describe: dup %d: %v", entry.Handle, err)
				return nil, stdio, nil, syscall.EMFILE
			}
			s.closer.Add(h)
			entry.Handle = h
			entry.owned = true
		}
		table[fd] = entry.Descriptor
		if fd < len(stdio) {
			stdio[fd] = entry.Handle
		}
		if !seen[entry.Handle] {
			seen[entry.Handle] = true
			inherit = append(inherit, entry.Handle)
		}
	}
	return table, stdio, inherit, nil
}

type replayError struct {
	index  int
	action Action
	err    error
}

func (e *replayError) Error() string {
	return e.action.String() + ": " + e.err.Error()
}

func (e *replayError) Unwrap() error {
	return e.err
}
