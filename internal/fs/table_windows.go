//go:build windows

package fs

import (
	"golang.org/x/sys/windows"
)

var stdHandles = [...]uint32{
	windows.STD_INPUT_HANDLE,
	windows.STD_OUTPUT_HANDLE,
	windows.STD_ERROR_HANDLE,
}

type osTable struct{}

// OSTable exposes the standard handles as descriptors 0, 1 and 2.
func OSTable() Table {
	return osTable{}
}

func (t osTable) Snapshot() []Descriptor {
	snapshot := make([]Descriptor, len(stdHandles))
	for fd := range stdHandles {
		snapshot[fd], _ = t.Lookup(fd)
	}
	return snapshot
}

func (osTable) Lookup(fd int) (Descriptor, bool) {
	if fd < 0 || fd >= len(stdHandles) {
		return Descriptor{}, false
	}
	h, err := windows.GetStdHandle(stdHandles[fd])
	if err != nil || h == 0 || h == windows.InvalidHandle {
		return Descriptor{}, false
	}
	kind := KindFile
	flags := windows.O_RDONLY
	if fd > 0 {
		flags = windows.O_WRONLY
	}
	switch t, _ := windows.GetFileType(h); t {
	case windows.FILE_TYPE_CHAR:
		kind = KindDevice
	case windows.FILE_TYPE_PIPE:
		kind = KindPipe
	}
	return Descriptor{Kind: kind, Flags: flags, Handle: Handle(h)}, true
}
