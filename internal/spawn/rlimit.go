package spawn

import (
	"runtime"
	"syscall"
)

// rlimitStack is RLIMIT_STACK on every kernel with a duplication driver.
const rlimitStack = 3

type rlimitQuirk struct {
	goos, goarch string
	resource     int
	errno        syscall.Errno
}

// rlimitQuirks are limits a kernel always rejects. Failing to set one of these is not fatal.
var rlimitQuirks = []rlimitQuirk{
	// Apple silicon refuses any RLIMIT_STACK change.
	{goos: "darwin", goarch: "arm64", resource: rlimitStack, errno: syscall.EINVAL},
}

// toleratedRlimitErrors maps each resource to the one error that may be ignored when setting it, or 0.
func toleratedRlimitErrors(goos, goarch string) [RlimitCount]syscall.Errno {
	var tolerated [RlimitCount]syscall.Errno
	for _, quirk := range rlimitQuirks {
		if quirk.goos == goos && quirk.goarch == goarch {
			tolerated[quirk.resource] = quirk.errno
		}
	}
	return tolerated
}

func hostToleratedRlimitErrors() [RlimitCount]syscall.Errno {
	return toleratedRlimitErrors(runtime.GOOS, runtime.GOARCH)
}
