//go:build !linux && !windows

package spawn

import (
	"syscall"
)

func platformDriver(e *Engine) (driver, error) {
	return nil, syscall.ENOSYS
}
