//go:build !windows

package main

import (
	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"golang.org/x/sys/unix"
)

// waitChild reaps pid and returns a shell style exit code: the exit status, or 128 plus the terminating signal.
func waitChild(engine *spawn.Engine, pid common.PID) (int, error) {
	defer engine.Registry().Remove(pid)
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(int(pid), &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	switch {
	case status.Exited():
		log.Debugf("%s exited with %d", pid, status.ExitStatus())
		return status.ExitStatus(), nil
	case status.Signaled():
		log.Debugf("%s killed by %s", pid, status.Signal())
		return 128 + int(status.Signal()), nil
	default:
		return 0, nil
	}
}
