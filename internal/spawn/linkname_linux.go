//go:build linux && (amd64 || arm64)

package spawn

import _ "unsafe" // for go:linkname

// beforeFork blocks signals and spoils the stack guard so the child cannot grow its stack.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild resets Go's signal handlers in the child and restores the thread's mask.
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
