package spawn

import (
	"fmt"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/errno"
)

type ActionKind uint8

const (
	ActionClose ActionKind = iota + 1
	ActionDup2
	ActionOpen
	ActionChdir
	ActionFchdir
)

func (k ActionKind) String() string {
	switch k {
	case ActionClose:
		return "close"
	case ActionDup2:
		return "dup2"
	case ActionOpen:
		return "open"
	case ActionChdir:
		return "chdir"
	case ActionFchdir:
		return "fchdir"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is one descriptor table mutation. FD is the descriptor acted on: the source of a dup2, the target of an open.
type Action struct {
	Kind  ActionKind
	FD    int
	NewFD int
	Path  string
	Flags int
	Mode  uint32
}

func (a Action) String() string {
	switch a.Kind {
	case ActionClose, ActionFchdir:
		return fmt.Sprintf("%s(%d)", a.Kind, a.FD)
	case ActionDup2:
		return fmt.Sprintf("dup2(%d, %d)", a.FD, a.NewFD)
	case ActionOpen:
		return fmt.Sprintf("open(%q, %#o, %#o, %d)", a.Path, a.Flags, a.Mode, a.FD)
	case ActionChdir:
		return fmt.Sprintf("chdir(%q)", a.Path)
	default:
		return a.Kind.String()
	}
}

// Actions is an ordered list of file actions, replayed in the order they were added. A nil *Actions has no actions.
type Actions struct {
	list []Action
}

func NewActions() *Actions {
	return &Actions{}
}

func (a *Actions) AddClose(fd int) error {
	if fd < 0 {
		return errno.BadFileNumber(fd)
	}
	a.list = append(a.list, Action{Kind: ActionClose, FD: fd})
	return nil
}

func (a *Actions) AddDup2(fd, newfd int) error {
	if fd < 0 {
		return errno.BadFileNumber(fd)
	}
	if newfd < 0 {
		return errno.BadFileNumber(newfd)
	}
	a.list = append(a.list, Action{Kind: ActionDup2, FD: fd, NewFD: newfd})
	return nil
}

func (a *Actions) AddOpen(path string, flags int, mode uint32, fd int) error {
	if fd < 0 {
		return errno.BadFileNumber(fd)
	}
	if path == "" {
		return syscall.ENOENT
	}
	a.list = append(a.list, Action{Kind: ActionOpen, FD: fd, Path: path, Flags: flags, Mode: mode})
	return nil
}

func (a *Actions) AddChdir(path string) error {
	if path == "" {
		return syscall.ENOENT
	}
	a.list = append(a.list, Action{Kind: ActionChdir, Path: path})
	return nil
}

func (a *Actions) AddFchdir(fd int) error {
	if fd < 0 {
		return errno.BadFileNumber(fd)
	}
	a.list = append(a.list, Action{Kind: ActionFchdir, FD: fd})
	return nil
}

func (a *Actions) Len() int {
	if a == nil {
		return 0
	}
	return len(a.list)
}

// List returns a copy of the actions in replay order.
func (a *Actions) List() []Action {
	if a == nil {
		return nil
	}
	return append([]Action(nil), a.list...)
}
