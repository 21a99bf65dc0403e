package fs

import (
	"fmt"
)

// Handle is the kernel object behind a descriptor: a file descriptor on unix, a HANDLE on windows.
type Handle uintptr

const (
	InvalidHandle Handle = ^Handle(0)
	// CurrentDirectory stands in for the working directory when resolving relative paths.
	CurrentDirectory Handle = InvalidHandle - 1
)

type Kind uint8

const (
	KindEmpty Kind = iota
	KindFile
	KindDirectory
	KindPipe
	KindSocket
	KindDevice
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	case KindPipe:
		return "pipe"
	case KindSocket:
		return "socket"
	case KindDevice:
		return "device"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k <= KindNull
}

type Descriptor struct {
	Kind        Kind
	Flags       int
	Mode        uint32
	Handle      Handle
	CloseOnExec bool
}

func (d Descriptor) Empty() bool {
	return d.Kind == KindEmpty
}

func (d Descriptor) String() string {
	if d.Empty() {
		return "<empty>"
	}
	s := fmt.Sprintf("%s handle=%d flags=%#o mode=%#o", d.Kind, d.Handle, d.Flags, d.Mode)
	if d.CloseOnExec {
		s += " cloexec"
	}
	return s
}

// Table is the process-wide descriptor table as seen by a spawn attempt.
type Table interface {
	// Snapshot copies every open descriptor, indexed by number, under the table's lock.
	Snapshot() []Descriptor
	Lookup(fd int) (Descriptor, bool)
}
