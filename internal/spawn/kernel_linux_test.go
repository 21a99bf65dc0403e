//go:build linux

package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnixImageEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(WithKernel(NewUnixKernel()), WithTable(fs.OSTable()))
	require.NoError(t, err)
	return e
}

func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestUnixImageNullStdout(t *testing.T) {
	e := newUnixImageEngine(t)
	actions := NewActions()
	require.NoError(t, actions.AddOpen("/dev/null", os.O_WRONLY, 0, 1))
	require.NoError(t, actions.AddDup2(1, 2))
	before := openFDCount(t)

	pid, err := e.Spawn(shell, actions, nil, shellArgs("sleep 5"), testEnv)
	require.NoError(t, err)
	assert.Equal(t, before, openFDCount(t), "every transient descriptor is closed")
	assert.Equal(t, "/dev/null", fdTarget(t, pid, 1))
	assert.Equal(t, "/dev/null", fdTarget(t, pid, 2))
	killChild(t, pid)

	slot, ok := e.Registry().Get(pid)
	require.True(t, ok)
	assert.Equal(t, fs.InvalidHandle, slot.Handle())
}

func TestUnixImageSideband(t *testing.T) {
	e := newUnixImageEngine(t)
	actions := NewActions()
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, nil, shellArgs(`echo "$_HACKSPAWN_PPID" >&3`), testEnv)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d:%d", os.Getpid(), os.Getppid()), output())
	assert.Zero(t, waitExit(t, pid))
}

func TestUnixImageChdir(t *testing.T) {
	e := newUnixImageEngine(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	actions := NewActions()
	require.NoError(t, actions.AddChdir(dir))
	require.NoError(t, actions.AddChdir("sub"))
	require.NoError(t, actions.AddOpen("out", os.O_WRONLY|os.O_CREATE, 0644, 1))
	output := capture(t, actions)
	pid, err := e.Spawn(shell, actions, nil, shellArgs("pwd -P >&3; echo hello"), testEnv)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub"), output())
	assert.Zero(t, waitExit(t, pid))

	content, err := os.ReadFile(filepath.Join(dir, "sub", "out"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestUnixImageFailures(t *testing.T) {
	e := newUnixImageEngine(t)
	before := openFDCount(t)

	_, err := e.Spawn("/nonexistent/program", nil, nil, []string{"x"}, testEnv)
	assert.ErrorIs(t, err, syscall.ENOENT)

	actions := NewActions()
	require.NoError(t, actions.AddOpen("/dev/null", os.O_RDONLY, 0, 7))
	require.NoError(t, actions.AddDup2(999, 1))
	_, err = e.Spawn(shell, actions, nil, shellArgs("exit 0"), testEnv)
	assert.ErrorIs(t, err, syscall.EBADF)
	assert.True(t, strings.Contains(err.Error(), shell), err.Error())

	assert.Equal(t, before, openFDCount(t))
	assert.Zero(t, e.Registry().Len())
	assertNoChildren(t)
}
