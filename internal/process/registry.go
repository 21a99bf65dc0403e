package process

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
)

type PID = common.PID

type slotState int

const (
	slotFree slotState = iota
	slotReserved
	slotCommitted
)

func (s slotState) String() string {
	switch s {
	case slotReserved:
		return "reserved"
	case slotCommitted:
		return "running"
	default:
		return "free"
	}
}

// Slot is a child's entry in a Registry. It is reserved before the child exists and committed once it does.
type Slot struct {
	index   int
	state   slotState
	pid     PID
	handle  fs.Handle
	command string
}

func (s *Slot) PID() PID {
	return s.pid
}

// Handle is the child's process handle, or fs.InvalidHandle where the platform has none.
func (s *Slot) Handle() fs.Handle {
	return s.handle
}

func (s *Slot) String() string {
	return fmt.Sprintf("PID=%s, Command=%s, State=%s, Handle=%d", s.pid, s.command, s.state, s.handle)
}

// Registry tracks spawned children. Every method locks independently.
type Registry struct {
	mu    sync.Mutex
	limit int
	slots []*Slot
	free  []int
	pids  map[PID]*Slot
	live  int
}

// NewRegistry returns a registry holding at most limit children. A limit <= 0 is unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit: limit,
		pids:  make(map[PID]*Slot),
	}
}

func (r *Registry) Reserve() (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && r.live >= r.limit {
		return nil, syscall.EAGAIN
	}
	var slot *Slot
	if n := len(r.free); n > 0 {
		slot = r.slots[r.free[n-1]]
		r.free = r.free[:n-1]
	} else {
		slot = &Slot{index: len(r.slots)}
		r.slots = append(r.slots, slot)
	}
	slot.state = slotReserved
	slot.pid = 0
	slot.handle = fs.InvalidHandle
	slot.command = ""
	r.live++
	return slot, nil
}

// Commit records the created child in a reserved slot.
func (r *Registry) Commit(slot *Slot, pid PID, handle fs.Handle, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot == nil || slot.state != slotReserved {
		return syscall.EINVAL
	}
	if _, exists := r.pids[pid]; exists {
		return syscall.EEXIST
	}
	slot.state = slotCommitted
	slot.pid = pid
	slot.handle = handle
	slot.command = command
	r.pids[pid] = slot
	return nil
}

// Release returns a reserved slot to the free list. Releasing a free or committed slot does nothing.
func (r *Registry) Release(slot *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot == nil || slot.state != slotReserved {
		return
	}
	r.freeLocked(slot)
}

func (r *Registry) freeLocked(slot *Slot) {
	slot.state = slotFree
	slot.pid = 0
	slot.handle = fs.InvalidHandle
	r.free = append(r.free, slot.index)
	r.live--
}

// Get returns a copy of pid's slot. Later changes to the registry do not affect it.
func (r *Registry) Get(pid PID) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.pids[pid]
	if !ok {
		return nil, false
	}
	slotCopy := *slot
	return &slotCopy, true
}

// Remove forgets a committed child, returning its process handle for the caller to close.
func (r *Registry) Remove(pid PID) (fs.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.pids[pid]
	if !ok {
		return fs.InvalidHandle, false
	}
	handle := slot.handle
	delete(r.pids, pid)
	r.freeLocked(slot)
	return handle, true
}

// Len counts committed children.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pids)
}

func (r *Registry) Dump(w io.Writer) error {
	r.mu.Lock()
	var slots []*Slot
	for _, slot := range r.pids {
		slotCopy := *slot
		slots = append(slots, &slotCopy)
	}
	r.mu.Unlock()

	sort.Slice(slots, func(a, b int) bool {
		return slots[a].pid < slots[b].pid
	})
	for _, slot := range slots {
		if _, err := fmt.Fprintln(w, slot.String()); err != nil {
			return err
		}
	}
	return nil
}
