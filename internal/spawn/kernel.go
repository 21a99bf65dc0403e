package spawn

import (
	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
)

// Kernel creates processes from a program image and an explicit handle set.
type Kernel interface {
	// Dup returns a new handle to the same object which a child may inherit.
	Dup(h fs.Handle) (fs.Handle, error)
	// Open opens path relative to dir, which may be fs.CurrentDirectory.
	Open(dir fs.Handle, path string, flags int, mode uint32) (fs.Handle, error)
	OpenDir(dir fs.Handle, path string) (fs.Handle, error)
	Close(h fs.Handle) error
	// DirPath returns the native absolute path of a directory handle.
	DirPath(h fs.Handle) (string, error)
	NullDevice() string
	SignalMask() Sigset
	Pid() common.PID
	ParentPid() common.PID
	CreateProcess(req *CreateRequest) (*Created, error)
}

type CreationFlags uint32

const (
	CreateNewProcessGroup CreationFlags = 1 << iota
)

type CreateRequest struct {
	Path string
	Argv []string
	Env  []string
	// Dir is empty when the child starts in the parent's working directory.
	Dir   string
	Stdio [3]fs.Handle
	// Inherit lists every handle the child may receive. Nothing else is inherited.
	Inherit []fs.Handle
	// Descriptors is the child's table indexed by descriptor number.
	Descriptors []fs.Descriptor
	Flags       CreationFlags
}

type Created struct {
	Pid     common.PID
	Process fs.Handle
	// Thread is fs.InvalidHandle if the kernel returns no thread handle.
	Thread fs.Handle
}
