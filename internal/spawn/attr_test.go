package spawn

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigset(t *testing.T) {
	var s Sigset
	require.NoError(t, s.Add(syscall.Signal(1)))
	require.NoError(t, s.Add(syscall.Signal(64)))
	assert.True(t, s.Has(1))
	assert.True(t, s.Has(64))
	assert.False(t, s.Has(2))
	assert.Equal(t, Sigset(1|1<<63), s)

	require.NoError(t, s.Del(1))
	assert.False(t, s.Has(1))

	assert.ErrorIs(t, s.Add(0), syscall.EINVAL)
	assert.ErrorIs(t, s.Add(65), syscall.EINVAL)
	assert.False(t, FullSigset().Has(0))
	assert.True(t, FullSigset().Has(15))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "usefork|setsid|setrlimit", (UseFork | SetSid | SetRlimit).String())
}

func TestAttributesRlimit(t *testing.T) {
	var a Attributes
	require.NoError(t, a.SetRlimit(7, 64, 128))
	require.NoError(t, a.SetRlimit(3, 1<<20, 1<<21))
	assert.ErrorIs(t, a.SetRlimit(RlimitCount, 0, 0), syscall.EINVAL)
	assert.ErrorIs(t, a.SetRlimit(-1, 0, 0), syscall.EINVAL)

	assert.Equal(t, []int{3, 7}, a.Rlimits())
	limit, ok := a.Rlimit(7)
	assert.True(t, ok)
	assert.Equal(t, Rlimit{Cur: 64, Max: 128}, limit)
	_, ok = a.Rlimit(0)
	assert.False(t, ok)
}

func TestAttributesChildMask(t *testing.T) {
	var nilAttr *Attributes
	assert.Equal(t, Sigset(5), nilAttr.childMask(5))
	assert.Zero(t, nilAttr.flags())

	a := &Attributes{SigMask: 9}
	assert.Equal(t, Sigset(5), a.childMask(5), "mask ignored without its flag")
	a.Flags = SetSigMask
	assert.Equal(t, Sigset(9), a.childMask(5))
}

func TestToleratedRlimitErrors(t *testing.T) {
	tolerated := toleratedRlimitErrors("darwin", "arm64")
	assert.Equal(t, syscall.EINVAL, tolerated[rlimitStack])
	for res, e := range tolerated {
		if res != rlimitStack {
			assert.Zero(t, e)
		}
	}
	assert.Equal(t, [RlimitCount]syscall.Errno{}, toleratedRlimitErrors("darwin", "amd64"))
	assert.Equal(t, [RlimitCount]syscall.Errno{}, toleratedRlimitErrors("linux", "arm64"))
}
