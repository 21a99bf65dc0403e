package spawn

import (
	"go.uber.org/atomic"
)

// fastDuplication records that the kernel suspends the parent until the child execs or exits. It only ever goes from false to true.
var fastDuplication = atomic.NewBool(false)

func FastDuplication() bool {
	return fastDuplication.Load()
}
