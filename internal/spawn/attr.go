package spawn

import (
	"fmt"
	"strings"
	"syscall"
)

type Flags uint16

const (
	// UseFork forces a full copy of the parent instead of suspending it while the child starts.
	UseFork Flags = 1 << iota
	SetPgroup
	SetSid
	ResetIDs
	SetSigMask
	SetSigDefault
	SetScheduler
	SetSchedParam
	SetRlimit
)

var flagNames = []string{"usefork", "setpgroup", "setsid", "resetids", "setsigmask", "setsigdef", "setscheduler", "setschedparam", "setrlimit"}

func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

const maxSignal = 64

// Sigset is a set of signals 1 through 64, signal n stored in bit n-1.
type Sigset uint64

func FullSigset() Sigset {
	return ^Sigset(0)
}

func (s Sigset) Has(sig syscall.Signal) bool {
	if sig < 1 || sig > maxSignal {
		return false
	}
	return s&(1<<(uint(sig)-1)) != 0
}

func (s *Sigset) Add(sig syscall.Signal) error {
	if sig < 1 || sig > maxSignal {
		return syscall.EINVAL
	}
	*s |= 1 << (uint(sig) - 1)
	return nil
}

func (s *Sigset) Del(sig syscall.Signal) error {
	if sig < 1 || sig > maxSignal {
		return syscall.EINVAL
	}
	*s &^= 1 << (uint(sig) - 1)
	return nil
}

func (s Sigset) String() string {
	return fmt.Sprintf("%#x", uint64(s))
}

// RlimitCount bounds the resource numbers accepted by SetRlimit.
const RlimitCount = 16

type Rlimit struct {
	Cur, Max uint64
}

// Attributes modulate the child's initial state. A field is only honored when its flag is set. A nil *Attributes has no flags.
type Attributes struct {
	Flags         Flags
	SigMask       Sigset
	SigDefault    Sigset
	Pgroup        int
	SchedPolicy   int
	SchedPriority int

	rlimitSet uint32
	rlimits   [RlimitCount]Rlimit
}

func (a *Attributes) flags() Flags {
	if a == nil {
		return 0
	}
	return a.Flags
}

func (a *Attributes) SetRlimit(resource int, cur, max uint64) error {
	if resource < 0 || resource >= RlimitCount {
		return syscall.EINVAL
	}
	a.rlimits[resource] = Rlimit{Cur: cur, Max: max}
	a.rlimitSet |= 1 << uint(resource)
	return nil
}

func (a *Attributes) Rlimit(resource int) (Rlimit, bool) {
	if a == nil || resource < 0 || resource >= RlimitCount || a.rlimitSet&(1<<uint(resource)) == 0 {
		return Rlimit{}, false
	}
	return a.rlimits[resource], true
}

// Rlimits returns the set resource numbers in ascending order.
func (a *Attributes) Rlimits() []int {
	if a == nil {
		return nil
	}
	var resources []int
	for res := 0; res < RlimitCount; res++ {
		if a.rlimitSet&(1<<uint(res)) != 0 {
			resources = append(resources, res)
		}
	}
	return resources
}

// childMask is the mask the program starts with.
func (a *Attributes) childMask(current Sigset) Sigset {
	if a.flags()&SetSigMask != 0 {
		return a.SigMask
	}
	return current
}
