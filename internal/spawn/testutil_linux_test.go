//go:build linux

package spawn

import (
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const shell = "/bin/sh"

var testEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

func waitExit(t *testing.T, pid common.PID) int {
	t.Helper()
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(int(pid), &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		return status.ExitStatus()
	}
}

// capture returns a pipe whose write end the child gets as descriptor 3, and a func reading everything written to it.
func capture(t *testing.T, actions *Actions) func() string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, actions.AddDup2(int(w.Fd()), 3))
	return func() string {
		t.Helper()
		require.NoError(t, w.Close())
		out, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		return strings.TrimSpace(string(out))
	}
}

// fdTarget reads where descriptor fd of a running child points.
func fdTarget(t *testing.T, pid common.PID, fd int) string {
	t.Helper()
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
	require.NoError(t, err)
	return target
}

func killChild(t *testing.T, pid common.PID) {
	t.Helper()
	require.NoError(t, unix.Kill(int(pid), unix.SIGKILL))
	waitExit(t, pid)
}

func shellArgs(script string) []string {
	return []string{"sh", "-c", script}
}

func assertNoChildren(t *testing.T) {
	t.Helper()
	_, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
	require.Equal(t, unix.ECHILD, err, "a child was left behind")
}
