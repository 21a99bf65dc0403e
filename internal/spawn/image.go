package spawn

import (
	"strings"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/process"
	"github.com/pkg/errors"
)

const verbatimPrefix = `\\?\`

// imageDriver creates the child from scratch, simulating file actions on a shadow table.
type imageDriver struct {
	kernel   Kernel
	table    fs.Table
	registry *process.Registry
}

type imageAttempt struct {
	*imageDriver
	slot   *process.Slot
	closer *Closer
}

func (d *imageDriver) spawn(path string, actions *Actions, attr *Attributes, argv, env []string) (common.PID, error) {
	slot, err := d.registry.Reserve()
	if err != nil {
		return 0, err
	}
	attempt := &imageAttempt{
		imageDriver: d,
		slot:        slot,
		closer:      NewCloser(d.kernel.Close),
	}
	pid, err := attempt.run(path, actions, attr, argv, env)
	attempt.finish()
	return pid, err
}

// finish releases everything the attempt still owns. A committed slot is left alone.
func (a *imageAttempt) finish() {
	a.registry.Release(a.slot)
	if err := a.closer.Close(); err != nil {
		log.Warnf("Failed to close spawn handles: %v", err)
	}
}

func (a *imageAttempt) run(path string, actions *Actions, attr *Attributes, argv, env []string) (common.PID, error) {
	shadow, err := newShadowTable(a.kernel, a.table, a.closer)
	if err != nil {
		return 0, err
	}
	if err := shadow.replay(actions.List()); err != nil {
		return 0, err
	}

	var flags CreationFlags
	if attr.flags()&(SetPgroup|SetSid) != 0 {
		flags |= CreateNewProcessGroup
	}

	var dir string
	if shadow.dir != fs.CurrentDirectory {
		dir, err = a.kernel.DirPath(shadow.dir)
		if err != nil {
			return 0, err
		}
		dir = stripVerbatimPrefix(dir)
	}

	descriptors, stdio, inherit, err := shadow.describe()
	if err != nil {
		return 0, err
	}
	sideband := &Sideband{
		Descriptors:    descriptors,
		Mask:           attr.childMask(a.kernel.SignalMask()),
		ParentPID:      a.kernel.Pid(),
		GrandparentPID: a.kernel.ParentPid(),
	}
	req := &CreateRequest{
		Path:        path,
		Argv:        argv,
		Env:         sideband.Environ(env),
		Dir:         dir,
		Stdio:       stdio,
		Inherit:     inherit,
		Descriptors: descriptors,
		Flags:       flags,
	}
	created, err := a.kernel.CreateProcess(req)
	if err != nil {
		return 0, err
	}
	if created.Thread != fs.InvalidHandle {
		if err := a.kernel.Close(created.Thread); err != nil {
			log.Warnf("Failed to close thread handle of %s: %v", created.Pid, err)
		}
	}
	if err := a.registry.Commit(a.slot, created.Pid, created.Process, path); err != nil {
		// the child runs but cannot be tracked
		if created.Process != fs.InvalidHandle {
			_ = a.kernel.Close(created.Process)
		}
		return 0, errors.Wrapf(err, "register child %s", created.Pid)
	}
	log.Debugf("Spawned %s as %s (%d inherited handles)", path, created.Pid, len(inherit))
	return created.Pid, nil
}

// stripVerbatimPrefix drops the \\?\ prefix from paths short enough not to need it.
func stripVerbatimPrefix(p string) string {
	if n := len(p); n > len(verbatimPrefix) && n < 260 && strings.HasPrefix(p, verbatimPrefix) {
		return p[len(verbatimPrefix):]
	}
	return p
}
