package main

import (
	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// waitChild waits on the process handle kept in the registry and returns the child's exit code.
func waitChild(engine *spawn.Engine, pid common.PID) (int, error) {
	handle, ok := engine.Registry().Remove(pid)
	if !ok || handle == fs.InvalidHandle {
		return 0, errors.Errorf("no process handle for %s", pid)
	}
	h := windows.Handle(handle)
	defer windows.CloseHandle(h)

	if _, err := windows.WaitForSingleObject(h, windows.INFINITE); err != nil {
		return 0, err
	}
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return 0, err
	}
	log.Debugf("%s exited with %d", pid, code)
	return int(code), nil
}
