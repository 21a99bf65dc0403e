//go:build linux && (amd64 || arm64)

package spawn

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newForkEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	_, isFork := e.driver.(*forkDriver)
	require.True(t, isFork)
	return e
}

func TestForkNullStdout(t *testing.T) {
	for _, flags := range []Flags{0, UseFork} {
		t.Run(flags.String(), func(t *testing.T) {
			e := newForkEngine(t)
			actions := NewActions()
			require.NoError(t, actions.AddOpen("/dev/null", os.O_WRONLY, 0, 1))
			require.NoError(t, actions.AddDup2(1, 2))

			pid, err := e.Spawn(shell, actions, &Attributes{Flags: flags}, shellArgs("sleep 5"), testEnv)
			require.NoError(t, err)
			assert.Greater(t, int(pid), 0)
			defer killChild(t, pid)
			assert.Equal(t, "/dev/null", fdTarget(t, pid, 1))
			assert.Equal(t, "/dev/null", fdTarget(t, pid, 2))
		})
	}
}

func TestForkSetsCapability(t *testing.T) {
	e := newForkEngine(t)
	pid, err := e.Spawn(shell, nil, nil, shellArgs("exit 3"), testEnv)
	require.NoError(t, err)
	assert.Equal(t, 3, waitExit(t, pid))
	assert.True(t, FastDuplication())

	// the fast path reports through shared memory alone
	_, err = e.Spawn("/nonexistent/program", nil, nil, []string{"x"}, testEnv)
	assert.ErrorIs(t, err, syscall.ENOENT)
	assertNoChildren(t)
}

func TestForkMissingProgram(t *testing.T) {
	for _, flags := range []Flags{0, UseFork} {
		t.Run(flags.String(), func(t *testing.T) {
			e := newForkEngine(t)
			_, err := e.Spawn("/nonexistent/program", nil, &Attributes{Flags: flags}, []string{"program"}, testEnv)
			assert.ErrorIs(t, err, syscall.ENOENT)
			assertNoChildren(t)
		})
	}
}

func TestForkNotExecutable(t *testing.T) {
	e := newForkEngine(t)
	_, err := e.Spawn(t.TempDir(), nil, nil, []string{"dir"}, testEnv)
	assert.ErrorIs(t, err, syscall.EACCES)
	assertNoChildren(t)
}

func TestForkActionFailure(t *testing.T) {
	e := newForkEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	actions := NewActions()
	require.NoError(t, actions.AddOpen(out, os.O_WRONLY|os.O_CREATE, 0644, 5))
	require.NoError(t, actions.AddDup2(999, 2))

	_, err := e.Spawn(shell, actions, nil, shellArgs("exit 0"), testEnv)
	assert.ErrorIs(t, err, syscall.EBADF)
	assertNoChildren(t)
	_, statErr := os.Stat(out)
	assert.NoError(t, statErr, "the child applied actions before the failing one")
}

func TestForkRelayPipeSurvivesCloses(t *testing.T) {
	e := newForkEngine(t)
	actions := NewActions()
	for fd := 3; fd < 64; fd++ {
		require.NoError(t, actions.AddClose(fd))
	}
	_, err := e.Spawn("/nonexistent/program", actions, &Attributes{Flags: UseFork}, []string{"x"}, testEnv)
	assert.ErrorIs(t, err, syscall.ENOENT)
	assertNoChildren(t)
}

func TestForkConcurrent(t *testing.T) {
	e := newForkEngine(t)
	dir := t.TempDir()
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			actions := NewActions()
			if !assert.NoError(t, actions.AddOpen(filepath.Join(dir, fmt.Sprint(i)), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644, 1)) {
				return
			}
			pid, err := e.Spawn(shell, actions, nil, shellArgs(fmt.Sprintf("echo %d", i)), testEnv)
			if assert.NoError(t, err) {
				assert.Zero(t, waitExit(t, pid))
			}
		}()
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		content, err := os.ReadFile(filepath.Join(dir, fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d\n", i), string(content))
	}
}

func TestForkChdir(t *testing.T) {
	e := newForkEngine(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)

	actions := NewActions()
	require.NoError(t, actions.AddChdir(dir))
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, nil, shellArgs("pwd -P >&3"), testEnv)
	require.NoError(t, err)
	assert.Equal(t, dir, output())
	assert.Zero(t, waitExit(t, pid))

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, after, "the parent's directory is untouched")
}

func TestForkSetPgroup(t *testing.T) {
	e := newForkEngine(t)
	actions := NewActions()
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, &Attributes{Flags: SetPgroup}, shellArgs(`echo $$ >&3; exec 3>&-; sleep 5`), testEnv)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(pid), output())

	pgid, err := unix.Getpgid(int(pid))
	require.NoError(t, err)
	assert.Equal(t, int(pid), pgid)
	require.NoError(t, unix.Kill(int(pid), unix.SIGKILL))
	waitExit(t, pid)
}

func TestForkRlimit(t *testing.T) {
	e := newForkEngine(t)
	attr := &Attributes{Flags: SetRlimit}
	require.NoError(t, attr.SetRlimit(unix.RLIMIT_NOFILE, 64, 64))
	actions := NewActions()
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, attr, shellArgs("ulimit -n >&3"), testEnv)
	require.NoError(t, err)
	assert.Equal(t, "64", output())
	assert.Zero(t, waitExit(t, pid))
}

func TestForkRlimitQuirk(t *testing.T) {
	attr := &Attributes{Flags: SetRlimit}
	// a soft limit above the hard limit is always rejected
	require.NoError(t, attr.SetRlimit(rlimitStack, 2<<20, 1<<20))

	strict := newForkDriver()
	_, err := strict.spawn(shell, nil, attr, shellArgs("exit 0"), testEnv)
	assert.ErrorIs(t, err, syscall.EINVAL)
	assertNoChildren(t)

	saved := rlimitQuirks
	rlimitQuirks = append([]rlimitQuirk{{goos: runtime.GOOS, goarch: runtime.GOARCH, resource: rlimitStack, errno: syscall.EINVAL}}, saved...)
	defer func() { rlimitQuirks = saved }()

	tolerant := newForkDriver()
	pid, err := tolerant.spawn(shell, nil, attr, shellArgs("exit 0"), testEnv)
	require.NoError(t, err)
	assert.Zero(t, waitExit(t, pid))
}

func TestForkSigDefault(t *testing.T) {
	e := newForkEngine(t)
	ignored := func(attr *Attributes) string {
		actions := NewActions()
		output := capture(t, actions)
		pid, err := e.Spawn(shell, actions, attr, shellArgs(`grep SigIgn /proc/$$/status >&3`), testEnv)
		require.NoError(t, err)
		assert.Zero(t, waitExit(t, pid))
		return output()
	}

	signal.Ignore(unix.SIGUSR2)
	defer signal.Reset(unix.SIGUSR2)
	// SIGUSR2 is bit 11
	const usr2 = 1 << 11
	parse := func(line string) uint64 {
		var mask uint64
		_, err := fmt.Sscanf(line, "SigIgn:\t%x", &mask)
		require.NoError(t, err, line)
		return mask
	}
	assert.NotZero(t, parse(ignored(nil))&usr2, "ignored signals stay ignored")

	attr := &Attributes{Flags: SetSigDefault}
	require.NoError(t, attr.SigDefault.Add(unix.SIGUSR2))
	assert.Zero(t, parse(ignored(attr))&usr2)
}

func TestForkRestoresSignalMask(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var before, after unix.Sigset_t
	require.NoError(t, unix.PthreadSigmask(unix.SIG_BLOCK, nil, &before))

	e := newForkEngine(t)
	actions := NewActions()
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, nil, shellArgs(`grep SigBlk /proc/$$/status >&3`), testEnv)
	require.NoError(t, err)

	require.NoError(t, unix.PthreadSigmask(unix.SIG_BLOCK, nil, &after))
	assert.Equal(t, before, after)

	var childMask uint64
	line := output()
	_, err = fmt.Sscanf(line, "SigBlk:\t%x", &childMask)
	require.NoError(t, err, line)
	assert.Equal(t, before.Val[0], childMask, "the child starts with the caller's mask, not the blocked one")
	assert.Zero(t, waitExit(t, pid))

	_, err = e.Spawn("/nonexistent/program", nil, nil, []string{"x"}, testEnv)
	assert.ErrorIs(t, err, syscall.ENOENT)
	require.NoError(t, unix.PthreadSigmask(unix.SIG_BLOCK, nil, &after))
	assert.Equal(t, before, after, "restored after a failed child is reaped")
}

func TestForkCloneFlags(t *testing.T) {
	assert.Equal(t, uintptr(syscall.SIGCHLD), cloneFlags(true))
	fast := cloneFlags(false)
	assert.Equal(t, uintptr(syscall.SIGCHLD|unix.CLONE_VFORK), fast)
	assert.Zero(t, fast&unix.CLONE_VM, "the child gets its own copy of memory")
}
