package fs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hack-pad/hackspawn/internal/errno"
)

// FileDescriptors is an in-memory descriptor table.
type FileDescriptors struct {
	mu  sync.Mutex
	fds []Descriptor
}

var _ Table = &FileDescriptors{}

func NewFileDescriptors() *FileDescriptors {
	return &FileDescriptors{}
}

func (f *FileDescriptors) Set(fd int, d Descriptor) error {
	if fd < 0 {
		return errno.BadFileNumber(fd)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd >= len(f.fds) {
		grown := make([]Descriptor, fd+1)
		copy(grown, f.fds)
		f.fds = grown
	}
	f.fds[fd] = d
	return nil
}

// Next stores d at the lowest free descriptor number and returns it.
func (f *FileDescriptors) Next(d Descriptor) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd := range f.fds {
		if f.fds[fd].Empty() {
			f.fds[fd] = d
			return fd
		}
	}
	f.fds = append(f.fds, d)
	return len(f.fds) - 1
}

func (f *FileDescriptors) Close(fd int) (Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || fd >= len(f.fds) || f.fds[fd].Empty() {
		return Descriptor{}, errno.BadFileNumber(fd)
	}
	d := f.fds[fd]
	f.fds[fd] = Descriptor{}
	return d, nil
}

func (f *FileDescriptors) Lookup(fd int) (Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || fd >= len(f.fds) || f.fds[fd].Empty() {
		return Descriptor{}, false
	}
	return f.fds[fd], true
}

func (f *FileDescriptors) Snapshot() []Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Descriptor(nil), f.fds...)
}

func (f *FileDescriptors) String() string {
	var s strings.Builder
	for fd, d := range f.Snapshot() {
		if !d.Empty() {
			s.WriteString(fmt.Sprintf("%3d: %s\n", fd, d))
		}
	}
	return s.String()
}
