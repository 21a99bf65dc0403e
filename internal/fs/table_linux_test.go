//go:build linux

package fs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOSTableSnapshot(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	table := OSTable()
	snapshot := table.Snapshot()
	require.Greater(t, len(snapshot), int(w.Fd()))

	pipe := snapshot[r.Fd()]
	assert.Equal(t, KindPipe, pipe.Kind)
	assert.True(t, pipe.CloseOnExec, "os.Pipe descriptors are close-on-exec")
	assert.Equal(t, unix.O_WRONLY, snapshot[w.Fd()].Flags&unix.O_ACCMODE)
}

func TestOSTableLookup(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()

	table := OSTable()
	d, ok := table.Lookup(int(f.Fd()))
	require.True(t, ok)
	assert.Equal(t, KindDirectory, d.Kind)
	assert.Equal(t, Handle(f.Fd()), d.Handle)

	fd := int(f.Fd())
	require.NoError(t, f.Close())
	_, ok = table.Lookup(fd)
	assert.False(t, ok)
	_, ok = table.Lookup(-1)
	assert.False(t, ok)
}

func TestOSTableInheritable(t *testing.T) {
	fd, err := unix.Open(os.DevNull, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	d, ok := OSTable().Lookup(fd)
	require.True(t, ok)
	assert.False(t, d.CloseOnExec)
	assert.Equal(t, KindDevice, d.Kind)
}
